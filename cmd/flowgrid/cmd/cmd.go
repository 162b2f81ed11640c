package cmd

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/spf13/cobra"
)

// newCmd registers a subcommand whose handler returns a
// renderable result. The result is written to stdout before any
// error is surfaced, so partial output survives failures.
func newCmd(parent *cobra.Command, cmd *cobra.Command, fn func(*cobra.Command, []string) (interface{}, error), flags ...func(*cobra.Command)) *cobra.Command {
	cmd.DisableFlagsInUseLine = true
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		out, err := fn(cmd, args)
		return cmdResultHandler(out, errors.Trace(err))
	}
	for _, flag := range flags {
		flag(cmd)
	}
	parent.AddCommand(cmd)
	return cmd
}

func cmdResultHandler(out interface{}, err error) error {
	if out != nil {
		switch res := out.(type) {
		case output:
			res.Output(stdout)
		case []output:
			for _, r := range res {
				r.Output(stdout)
				fmt.Fprintf(stdout, "\n")
			}
		case string:
			fmt.Fprint(stdout, res)
		default:
			fmt.Printf("Unknown type %#+v\n", res)
		}
	}
	if err != nil {
		return errors.Annotatef(err, "command returned error")
	}
	return nil
}

// argsError marks a positional argument failure so Execute can
// print the offending command's usage instead of a bare error.
type argsError struct {
	err error
	cmd *cobra.Command
}

func (e argsError) Error() string {
	return e.err.Error()
}

func wrapArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return argsError{err, cmd}
		}
		return nil
	}
}

func exactArgs(n int) cobra.PositionalArgs {
	return wrapArgs(cobra.ExactArgs(n))
}

func rangeArgs(min, max int) cobra.PositionalArgs {
	return wrapArgs(cobra.RangeArgs(min, max))
}
