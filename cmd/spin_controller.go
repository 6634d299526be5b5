package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lowaak/smart-trainer/spin-controller/internal/config"
)

var (
	configFile string
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:   "spin-controller",
	Short: "Resistance controller for an indoor spin bike",
	Long: `spin-controller drives the resistance motor of an indoor spin bike.

It fuses wireless sensors and the bike's aux link into one runtime state,
follows shifter input and control point writes from training apps, and
publishes the result as a fitness machine so apps can control the bike.

Settings are read from spin-controller.yaml in $HOME/.spin-controller or the
working directory and can be overridden with SPIN_ environment variables.
The file is watched and changes apply without a restart.`,
	SilenceUsage: true,
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config <path>",
	Short: "Write the default settings to a new config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := config.NewViper("")
		if err := v.SafeWriteConfigAs(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default is $HOME/.spin-controller/spin-controller.yaml)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this file, rotated at 10 MB")
	rootCmd.AddCommand(initConfigCmd)
}

// openLogFile returns the rotated log file requested with --log-file, or nil
func openLogFile() *lumberjack.Logger {
	if logFile == "" {
		return nil
	}
	return &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
	}
}

// logOutput tees console output to the log file when there is one
func logOutput(console io.Writer, file *lumberjack.Logger) io.Writer {
	if file == nil {
		return console
	}
	return io.MultiWriter(console, file)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
