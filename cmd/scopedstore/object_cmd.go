package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/scopedstore"
	"pkt.systems/scopedstore/internal/router"
)

// runWithStore opens a store for the duration of fn and folds the close error
// into the result.
func runWithStore(session *cliSession, cmd *cobra.Command, fn func(*cobra.Command, *scopedstore.Store) error) (err error) {
	ctx, store, err := session.open(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	cmd.SetContext(ctx)
	return fn(cmd, store)
}

func newExistCommand(session *cliSession) *cobra.Command {
	return &cobra.Command{
		Use:   "exist <path>",
		Short: "Report whether an object exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithStore(session, cmd, func(cmd *cobra.Command, store *scopedstore.Store) error {
				ok, err := store.Exist(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), ok)
				return err
			})
		},
	}
}

func newSizeCommand(session *cliSession) *cobra.Command {
	var human bool
	cmd := &cobra.Command{
		Use:   "size <path>",
		Short: "Print the size of an object in bytes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithStore(session, cmd, func(cmd *cobra.Command, store *scopedstore.Store) error {
				size, err := store.Size(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if human {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), humanizeBytes(size))
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), size)
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&human, "human", "H", false, "print a humanized size")
	return cmd
}

func newGetCommand(session *cliSession) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Download an object to stdout or a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithStore(session, cmd, func(cmd *cobra.Command, store *scopedstore.Store) error {
				data, err := store.ReadAll(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if outPath == "" || outPath == "-" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				path, err := expandPath(outPath)
				if err != nil {
					return fmt.Errorf("expand output path: %w", err)
				}
				if err := os.WriteFile(path, data, 0o600); err != nil {
					return fmt.Errorf("write %s: %w", path, err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write the object to this file instead of stdout")
	return cmd
}

func newPutCommand(session *cliSession) *cobra.Command {
	var inPath string
	cmd := &cobra.Command{
		Use:   "put <path>",
		Short: "Upload a file or stdin as an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, inPath)
			if err != nil {
				return err
			}
			return runWithStore(session, cmd, func(cmd *cobra.Command, store *scopedstore.Store) error {
				return store.Write(cmd.Context(), args[0], data)
			})
		},
	}
	cmd.Flags().StringVarP(&inPath, "file", "f", "-", "read the object from this file (- reads stdin)")
	return cmd
}

func readInput(cmd *cobra.Command, inPath string) ([]byte, error) {
	if inPath == "" || inPath == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	path, err := expandPath(inPath)
	if err != nil {
		return nil, fmt.Errorf("expand input path: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func newRemoveCommand(session *cliSession) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <path>",
		Aliases: []string{"remove", "delete"},
		Short:   "Remove an object",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithStore(session, cmd, func(cmd *cobra.Command, store *scopedstore.Store) error {
				return store.Remove(cmd.Context(), args[0])
			})
		},
	}
}

func newRemovePrefixCommand(session *cliSession) *cobra.Command {
	return &cobra.Command{
		Use:   "rm-prefix <prefix>",
		Short: "Remove every object below a prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithStore(session, cmd, func(cmd *cobra.Command, store *scopedstore.Store) error {
				return store.RemoveWithPrefix(cmd.Context(), args[0])
			})
		},
	}
}

func newListCommand(session *cliSession) *cobra.Command {
	var recursive bool
	var long bool
	cmd := &cobra.Command{
		Use:     "ls <prefix>",
		Aliases: []string{"list"},
		Short:   "List objects and sub-prefixes below a prefix",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return runWithStore(session, cmd, func(cmd *cobra.Command, store *scopedstore.Store) error {
				objects, err := store.ListWithPrefix(cmd.Context(), prefix, recursive)
				if err != nil {
					return err
				}
				if !long {
					for _, obj := range objects {
						if _, err := fmt.Fprintln(cmd.OutOrStdout(), obj.Key); err != nil {
							return err
						}
					}
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, obj := range objects {
					if strings.HasSuffix(obj.Key, "/") && obj.LastModified.IsZero() {
						fmt.Fprintf(tw, "PRE\t-\t%s\n", obj.Key)
						continue
					}
					modified := "-"
					if !obj.LastModified.IsZero() {
						modified = obj.LastModified.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", humanize.IBytes(uint64(obj.Size)), modified, obj.Key)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "descend into nested prefixes")
	cmd.Flags().BoolVarP(&long, "long", "l", false, "print size and modification time")
	return cmd
}

func newResolveCommand(session *cliSession) *cobra.Command {
	var opName string
	cmd := &cobra.Command{
		Use:   "resolve <path>",
		Short: "Print how a path would be routed",
		Long: `Print the routing decision for an operation on a path without opening
storage or contacting the access manager. With --byok the collection id is taken
from the path; listings always use global credentials (collection -1).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := router.ParseOp(opName)
			if err != nil {
				return err
			}
			cfg, _, err := session.config(cmd)
			if err != nil {
				return err
			}
			scope, bucket, err := scopedstore.PlanRoute(cfg, op, args[0])
			if err != nil {
				if errors.Is(err, scopedstore.ErrPathScopeUnresolvable) {
					return fmt.Errorf("%s: %w", args[0], err)
				}
				return err
			}
			out := cmd.OutOrStdout()
			if !scope.Scoped {
				_, err = fmt.Fprintf(out, "op=%s route=shared bucket=%s\n", op, bucket)
				return err
			}
			_, err = fmt.Fprintf(out, "op=%s route=scoped collection=%d write=%t bucket=%s\n",
				op, scope.CollectionID, scope.WriteAccess, bucket)
			return err
		},
	}
	cmd.Flags().StringVar(&opName, "op", "read", "operation kind (exist, size, read, write, remove, list)")
	return cmd
}
