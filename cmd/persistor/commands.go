package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/yourorg/object-persistor/internal/storage"
)

func (a *app) putCmd() *cobra.Command {
	var (
		opts     storage.SendOptions
		ifAbsent bool
	)
	cmd := &cobra.Command{
		Use:   "put <location> <name> <file|->",
		Short: "Upload a file, or stdin with -",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			location, name, src := args[0], args[1], args[2]
			if ifAbsent {
				opts.IfNoneMatch = storage.IfNoneMatchAny
			}
			if src == "-" {
				return a.persistor.SendStream(cmd.Context(), location, name, cmd.InOrStdin(), opts)
			}
			if opts == (storage.SendOptions{}) {
				return a.persistor.SendFile(cmd.Context(), location, name, src)
			}
			f, err := os.Open(src)
			if err != nil {
				return err
			}
			defer f.Close()
			return a.persistor.SendStream(cmd.Context(), location, name, f, opts)
		},
	}
	cmd.Flags().StringVar(&opts.SourceMd5, "md5", "", "expected hex md5 of the content")
	cmd.Flags().StringVar(&opts.ContentType, "content-type", "", "stored content type")
	cmd.Flags().StringVar(&opts.ContentEncoding, "content-encoding", "", "stored content encoding")
	cmd.Flags().BoolVar(&ifAbsent, "if-absent", false, "fail if the object already exists")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	var (
		start, end int64
		gunzip     bool
	)
	cmd := &cobra.Command{
		Use:   "get <location> <name>",
		Short: "Write an object, or a byte range of it, to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := storage.GetOptions{AutoGunzip: gunzip}
			startSet, endSet := cmd.Flags().Changed("start"), cmd.Flags().Changed("end")
			if startSet != endSet {
				return fmt.Errorf("--start and --end go together")
			}
			if startSet {
				opts.Range = &storage.ByteRange{Start: start, End: end}
			}
			rc, err := a.persistor.GetObjectStream(cmd.Context(), args[0], args[1], opts)
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}
	cmd.Flags().Int64Var(&start, "start", 0, "first byte, inclusive")
	cmd.Flags().Int64Var(&end, "end", 0, "last byte, inclusive")
	cmd.Flags().BoolVar(&gunzip, "gunzip", false, "decompress gzip encoded objects")
	return cmd
}

func (a *app) sizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "size <location> <name>",
		Short: "Print the size of an object in bytes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := a.persistor.GetObjectSize(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), size)
			return nil
		},
	}
}

func (a *app) md5Cmd() *cobra.Command {
	return &cobra.Command{
		Use:   "md5 <location> <name>",
		Short: "Print the hex md5 of an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			md5, err := a.persistor.GetObjectMd5Hash(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), md5)
			return nil
		},
	}
}

func (a *app) existsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <location> <name>",
		Short: "Print true or false",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			exists, err := a.persistor.CheckIfObjectExists(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), exists)
			return nil
		},
	}
}

func (a *app) urlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "url <location> <name>",
		Short: "Print a direct download link, if the backend has one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := a.persistor.GetRedirectURL(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if u == "" {
				return fmt.Errorf("backend has no direct links")
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
}

func (a *app) cpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cp <location> <from> <to>",
		Short: "Copy an object within a location",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.persistor.CopyObject(cmd.Context(), args[0], args[1], args[2])
		},
	}
}

func (a *app) rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <location> <name>",
		Short: "Delete an object; missing objects are not an error",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.persistor.DeleteObject(cmd.Context(), args[0], args[1])
		},
	}
}

func (a *app) rmdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rmdir <location> <prefix>",
		Short: "Delete every object below a prefix",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.persistor.DeleteDirectory(cmd.Context(), args[0], args[1])
		},
	}
}

func (a *app) duCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "du <location> [prefix]",
		Short: "Print the total size of the objects below a prefix",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := a.persistor.DirectorySize(cmd.Context(), args[0], optionalArg(args, 1))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), size)
			return nil
		},
	}
}

func (a *app) lsCmd() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "ls <location> [prefix]",
		Short: "List the objects below a prefix",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lister, ok := a.persistor.(storage.DirectoryLister)
			if !ok {
				return storage.NewNotImplementedError("backend cannot list directories", nil, nil)
			}
			stats, err := lister.ListDirectoryStats(cmd.Context(), args[0], optionalArg(args, 1))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range stats {
				if long {
					fmt.Fprintf(out, "%12d  %s\n", s.Size, s.Key)
				} else {
					fmt.Fprintln(out, s.Key)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "include sizes")
	return cmd
}

func optionalArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}
