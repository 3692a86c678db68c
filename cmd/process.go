package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"ollama-acp/pkg/plugin"
)

var processCmd = &cobra.Command{
	Use:   "process [json]",
	Short: "Run one plugin action",
	Long: `Runs one action through the plugin and prints the JSON result. The input is read from the
argument or, when absent, from stdin. Example:

  ollama-acp process '{"action":"generate","prompt":"Why is the sky blue?"}'`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := readProcessInput(args, cmd.InOrStdin())
		if err != nil {
			return err
		}

		return runProcess(cmd.Context(), cmd.OutOrStdout(), newLocalPlugin(appConfig), input)
	},
}

var describeSchema bool

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Print the plugin manifest",
	RunE: func(cmd *cobra.Command, _ []string) error {
		function := "describe"
		if describeSchema {
			function = "config_schema"
		}

		return runInvoke(cmd.Context(), cmd.OutOrStdout(), newLocalPlugin(appConfig), function, nil)
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(describeCmd)
	describeCmd.Flags().BoolVar(&describeSchema, "schema", false, "print the config schema instead of the manifest")
}

func readProcessInput(args []string, stdin io.Reader) ([]byte, error) {
	if len(args) > 0 {
		input := strings.TrimSpace(args[0])
		if input == "" {
			return nil, errors.New("process input is empty")
		}
		return []byte(input), nil
	}

	input, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	input = bytes.TrimSpace(input)
	if len(input) == 0 {
		return nil, errors.New("process input is empty")
	}
	return input, nil
}

func runProcess(ctx context.Context, out io.Writer, p *plugin.Plugin, input []byte) error {
	return runInvoke(ctx, out, p, "process", input)
}

func runInvoke(ctx context.Context, out io.Writer, p *plugin.Plugin, function string, input []byte) error {
	result, err := p.Invoke(ctx, function, input)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, string(result))
	return err
}
