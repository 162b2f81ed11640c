package cmd

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/flowgrid/flowgrid/pkg/config"
)

// Revision is the revision number of build (commit Id).
var Revision = ""

// Version is the version of the current build.
var Version = "v0.1.0"

type errorCode struct {
	err  error
	code int
}

func (e errorCode) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return "nil"
}

var configFlags struct {
	// Automatically approve changes
	autoApprove bool

	// Enables debug logging
	debug bool

	// Enables tracing on errors
	trace bool

	// Indicates if user-input is available.
	// Defaults to true, if stdin is terminal.
	input bool

	config      string
	environment string

	// S3 bucket for templates over the inline body limit.
	templateBucket string
}

// use wrapped stdout and stderr, so that
// colors will work on windows properly.
var stdout = color.Output
var stderr = color.Error

var deployHandler *deployCmdHandler

var rootCmd = &cobra.Command{
	Use:                   "flowgrid",
	Short:                 "flowgrid provisions multi-tier AWS environments as CloudFormation stack graphs",
	SilenceErrors:         true,
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		if configFlags.debug {
			log.SetLevel(log.DebugLevel)
		}
		if configFlags.environment == "" {
			return errors.Errorf("environment is not set, use --environment")
		}
		c, err := os.Open(configFlags.config)
		if err != nil {
			return errors.Annotatef(err, "cannot open config")
		}
		defer c.Close()
		cfg, err := config.Load(c)
		if err != nil {
			return errors.Annotatef(err, "cannot parse config")
		}
		if deployHandler, err = newDeployCmdHandler(cfg, configFlags.environment, configFlags.templateBucket); err != nil {
			return errors.Annotatef(err, "cannot initialize flowgrid")
		}
		return nil
	},
}

func flagAutoApprove(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVarP(&configFlags.autoApprove, "auto-approve", "a", false, "Auto-approve changes")
}

func init() {
	log.SetFormatter(&logFormatter{})
	log.SetOutput(stderr)

	// global flags
	rootCmd.PersistentFlags().BoolVarP(&configFlags.debug, "debug", "d", false, "Enable debug mode")
	rootCmd.PersistentFlags().BoolVarP(&configFlags.trace, "trace", "t", false, "Enable error tracing output")
	rootCmd.PersistentFlags().BoolVarP(&configFlags.input, "input", "i", terminal.IsTerminal(int(os.Stdin.Fd())), "User input availability. If not specified, value is identified from terminal.")
	rootCmd.PersistentFlags().StringVarP(&configFlags.config, "config", "c", "flowgrid.yml", "Config file")
	rootCmd.PersistentFlags().StringVarP(&configFlags.environment, "environment", "e", "", "Environment name")
	rootCmd.PersistentFlags().StringVarP(&configFlags.templateBucket, "template-bucket", "b", "", "S3 bucket for large templates")

	// list
	newCmd(rootCmd, &cobra.Command{
		Use:   "list",
		Short: "List stacks",
		Long:  `List short status information of all stacks of the environment.`,
		Args:  exactArgs(0),
	}, func(_ *cobra.Command, _ []string) (interface{}, error) {
		return deployHandler.list()
	})

	// status
	newCmd(rootCmd, &cobra.Command{
		Use:   "status stack-name",
		Short: "Show stack status",
		Long:  `Show status of the stack.`,
		Args:  exactArgs(1),
	}, func(_ *cobra.Command, args []string) (interface{}, error) {
		return deployHandler.status(args[0])
	})

	// plan
	newCmd(rootCmd, &cobra.Command{
		Use:   "plan stack-name [plan-id]",
		Short: "Plan stack changes",
		Long: `Plan the changes on stack using change set.
If plan-id is specified, displays previously planned change.

  exit codes are following:
  0 - no changes on stack
  1 - error occurred
  2 - contains changes
`,
		Args: rangeArgs(1, 2),
	}, func(_ *cobra.Command, args []string) (interface{}, error) {
		if len(args) == 1 {
			return deployHandler.plan(args[0])
		}
		return deployHandler.planStatus(args[0], args[1])
	})

	// execute
	newCmd(rootCmd, &cobra.Command{
		Use:   "execute stack-name {plan-id}",
		Short: "Execute previously planned change",
		Long:  `Execute previously planned change on stack.`,
		Args:  exactArgs(2),
	}, func(_ *cobra.Command, args []string) (interface{}, error) {
		return deployHandler.execute(args[0], args[1])
	})

	// deploy
	newCmd(rootCmd, &cobra.Command{
		Use:   "deploy [stack-name]",
		Short: "Deploy stacks",
		Long: `Deploy the environment's CloudFormation stacks.

Without a stack name, all stacks are deployed in dependency order.

This command requires interactive shell or -a flag to be specified.`,
		Args: rangeArgs(0, 1),
	}, func(_ *cobra.Command, args []string) (interface{}, error) {
		if len(args) == 1 {
			return deployHandler.deploy(args[0])
		}
		return deployHandler.deployAll()
	}, flagAutoApprove)

	// destroy
	newCmd(rootCmd, &cobra.Command{
		Use:   "destroy stack-name",
		Short: "Destroy stack",
		Long: `Destroy a CloudFormation stack of the environment.

Stacks with deployed dependents are refused; destroy in reverse
dependency order.

This command requires interactive shell or -a flag to be specified.`,
		Args: exactArgs(1),
	}, func(_ *cobra.Command, args []string) (interface{}, error) {
		return deployHandler.destroy(args[0])
	}, flagAutoApprove)

	// synth
	newCmd(rootCmd, &cobra.Command{
		Use:   "synth [stack-name]",
		Short: "Print synthesized templates",
		Long:  `Print the synthesized CloudFormation template of one stack, or of all stacks in dependency order.`,
		Args:  rangeArgs(0, 1),
	}, func(_ *cobra.Command, args []string) (interface{}, error) {
		if len(args) == 1 {
			return deployHandler.synth(args[0])
		}
		return deployHandler.synthAll()
	})

	// graph
	newCmd(rootCmd, &cobra.Command{
		Use:   "graph",
		Short: "Print the dependency graph",
		Long:  `Print the stacks of the environment in dependency order, with their dependencies.`,
		Args:  exactArgs(0),
	}, func(_ *cobra.Command, _ []string) (interface{}, error) {
		return deployHandler.graph()
	})

	// version
	rootCmd.AddCommand(&cobra.Command{
		Use:               "version",
		Short:             "show version information",
		Args:              exactArgs(0),
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error { return nil },
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Printf("flowgrid %s\n", Version)
			return nil
		},
	})
}

// Execute will execute the root command and output.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		traceableError, ok := err.(*errors.Err)
		var stackTrace []string
		if ok {
			err = errors.Cause(traceableError)
			stackTrace = traceableError.StackTrace()
		}

		if e, ok := err.(argsError); ok {
			log.Error(e)
			e.cmd.Usage()
			os.Exit(1)
			return
		}

		code := 1
		if e, ok := err.(*errorCode); ok {
			code = e.code
			err = e.err
		}

		if err != nil && code == 0 {
			fmt.Fprintln(stderr, err)
		} else if err != nil {
			var buf bytes.Buffer
			fmt.Fprintf(&buf, "%s", err)

			if stackTrace != nil && configFlags.trace {
				fmt.Fprintf(&buf, "\n%s", strings.Join(stackTrace[1:], "\n"))
				fmt.Fprintf(&buf, "\nflowgrid %s (commit %s)", Version, Revision)
			}

			log.Error(buf.String())
		}
		os.Exit(code)
	}
}
