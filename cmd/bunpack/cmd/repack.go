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

	"github.com/AlecAivazis/survey/v2"
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	scmd "github.com/blacktop/bunpack/internal/commands/standalone"
)

func confirm(path string, force bool) bool {
	if force {
		return true
	}
	yes := false
	prompt := &survey.Confirm{
		Message: fmt.Sprintf("You are about to overwrite %s. Continue?", filepath.Base(path)),
	}
	survey.AskOne(prompt, &yes)
	return yes
}

func init() {
	rootCmd.AddCommand(repackCmd)

	repackCmd.Flags().StringP("module", "m", "", "leaf name of the module to replace (default: binary name)")
	repackCmd.Flags().StringP("output", "o", "", "output binary (default: replace input in place)")
	repackCmd.Flags().BoolP("force", "f", false, "overwrite without confirmation")
	viper.BindPFlag("repack.module", repackCmd.Flags().Lookup("module"))
	viper.BindPFlag("repack.output", repackCmd.Flags().Lookup("output"))
	viper.BindPFlag("repack.force", repackCmd.Flags().Lookup("force"))
}

// repackCmd represents the repack command
var repackCmd = &cobra.Command{
	Use:   "repack <BIN> <FILE>",
	Short: "Replace a module's payload inside a Bun single-file executable",
	Example: heredoc.Doc(`
		# Replace the main module with a patched source blob
		❯ bunpack repack ./claude patched.js -o claude-patched

		# In place (asks before overwriting)
		❯ bunpack repack ./claude patched.js`),
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		// flags
		module := viper.GetString("repack.module")
		output := viper.GetString("repack.output")
		force := viper.GetBool("repack.force")

		binPath := filepath.Clean(args[0])
		srcPath := filepath.Clean(args[1])

		if _, err := os.Stat(binPath); os.IsNotExist(err) {
			return fmt.Errorf("file %s does not exist", binPath)
		}
		content, err := os.ReadFile(srcPath)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", srcPath, err)
		}
		if module == "" {
			module = scmd.DefaultLeaf(binPath)
		}

		if output == "" || filepath.Clean(output) == binPath {
			output = binPath
			if !confirm(output, force) { // confirm overwrite
				return nil
			}
		}

		return scmd.Repack(&scmd.RepackConfig{
			Input:   binPath,
			Module:  module,
			Content: content,
			Output:  output,
		})
	},
}
