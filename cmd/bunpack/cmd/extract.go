/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	scmd "github.com/blacktop/bunpack/internal/commands/standalone"
)

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringP("module", "m", "", "leaf name of the module to extract (default: binary name)")
	extractCmd.Flags().StringP("output", "o", "", "output file ('-' for stdout)")
	extractCmd.Flags().Bool("raw", false, "dump the whole raw container instead of one module")
	extractCmd.Flags().StringP("backend", "b", "auto", "container backend (auto|lib|tail)")
	viper.BindPFlag("extract.module", extractCmd.Flags().Lookup("module"))
	viper.BindPFlag("extract.output", extractCmd.Flags().Lookup("output"))
	viper.BindPFlag("extract.raw", extractCmd.Flags().Lookup("raw"))
	viper.BindPFlag("extract.backend", extractCmd.Flags().Lookup("backend"))
}

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:   "extract <BIN>",
	Short: "Extract a module's payload from a Bun single-file executable",
	Example: heredoc.Doc(`
		# Extract the main module of a compiled Bun executable
		❯ bunpack extract ./claude -o claude.js

		# Dump the raw container for debugging
		❯ bunpack extract ./claude --raw -o container.bin`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		// flags
		module := viper.GetString("extract.module")
		output := viper.GetString("extract.output")
		raw := viper.GetBool("extract.raw")
		backend := viper.GetString("extract.backend")

		binPath := filepath.Clean(args[0])
		if _, err := os.Stat(binPath); os.IsNotExist(err) {
			return fmt.Errorf("file %s does not exist", binPath)
		}
		if module == "" {
			module = scmd.DefaultLeaf(binPath)
		}

		var data []byte
		var err error
		if raw {
			data, err = scmd.RawContainer(binPath, backend)
		} else {
			data, err = scmd.Extract(binPath, module, backend)
		}
		if err != nil {
			return err
		}

		if output == "-" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if output == "" {
			if raw {
				output = module + ".container"
			} else {
				output = module + ".js"
			}
		}
		if err := os.WriteFile(output, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", output, err)
		}
		log.WithFields(log.Fields{
			"output": output,
			"bytes":  len(data),
		}).Info("extracted module")

		return nil
	},
}
