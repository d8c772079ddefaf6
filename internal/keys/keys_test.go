package keys

import "testing"

func TestShardProjectID(t *testing.T) {
	cases := []struct {
		id   string
		want string
	}{
		{"1", "100/000/000"},
		{"123", "321/000/000"},
		{"123456789", "987/654/321"},
		{"1000", "000/100/000"},
	}
	for _, c := range cases {
		got, err := ShardProjectID(c.id)
		if err != nil {
			t.Fatalf("ShardProjectID(%q): %v", c.id, err)
		}
		if got != c.want {
			t.Fatalf("ShardProjectID(%q) = %q, want %q", c.id, got, c.want)
		}
	}
	for _, bad := range []string{"", "abc", "-1", "1234567890"} {
		if _, err := ShardProjectID(bad); err == nil {
			t.Fatalf("ShardProjectID(%q) should fail", bad)
		}
	}
}

func TestProjectFolder(t *testing.T) {
	cases := []struct {
		key    string
		folder string
		ok     bool
	}{
		{"321/000/000/file", "321/000/000/", true},
		{"321/000/000/", "321/000/000/", true},
		{"5f0c9a3c2a8d7e0012345678/blob", "5f0c9a3c2a8d7e0012345678/", true},
		{"321/000/file", "", false},
		{"5F0C9A3C2A8D7E0012345678/blob", "", false},
		{"other/key", "", false},
	}
	for _, c := range cases {
		folder, ok := ProjectFolder(c.key)
		if folder != c.folder || ok != c.ok {
			t.Fatalf("ProjectFolder(%q) = %q, %v; want %q, %v", c.key, folder, ok, c.folder, c.ok)
		}
	}
}

func TestIsProjectFolder(t *testing.T) {
	for _, p := range []string{"321/000/000", "321/000/000/", "5f0c9a3c2a8d7e0012345678"} {
		if !IsProjectFolder(p) {
			t.Fatalf("%q should be a project folder", p)
		}
	}
	for _, p := range []string{"", "321/000", "321/000/000/sub/", "5f0c9a3c2a8d7e0012345678/x"} {
		if IsProjectFolder(p) {
			t.Fatalf("%q should not be a project folder", p)
		}
	}
}

func TestDataEncryptionKeyPath(t *testing.T) {
	bucket, path, err := DataEncryptionKeyPath("keys")("data", "321/000/000/file")
	if err != nil || bucket != "keys" || path != "321/000/000/dek" {
		t.Fatalf("got %q %q %v", bucket, path, err)
	}
	bucket, path, err = DataEncryptionKeyPath("keys")("data", "5f0c9a3c2a8d7e0012345678/blob")
	if err != nil || bucket != "keys" || path != "5f0c9a3c2a8d7e0012345678/dek" {
		t.Fatalf("got %q %q %v", bucket, path, err)
	}
	if _, _, err := DataEncryptionKeyPath("keys")("data", "loose"); err == nil {
		t.Fatal("expected an error outside of project folders")
	}
}

func TestDataEncryptionKeysStayOutOfDataBuckets(t *testing.T) {
	if _, _, err := DataEncryptionKeyPath("")("data", "321/000/000/file"); err == nil {
		t.Fatal("expected an error without a key bucket")
	}
	if _, _, err := DataEncryptionKeyPath("keys")("keys", "321/000/000/dek"); err == nil {
		t.Fatal("expected an error when data targets the key bucket")
	}
}
