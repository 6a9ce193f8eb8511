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
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	scmd "github.com/blacktop/bunpack/internal/commands/standalone"
	"github.com/blacktop/bunpack/internal/magic"
)

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().StringP("backend", "b", "auto", "container backend (auto|lib|tail)")
	viper.BindPFlag("info.backend", infoCmd.Flags().Lookup("backend"))
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info <BIN>",
	Short: "List the modules embedded in a Bun single-file executable",
	Example: heredoc.Doc(`
		# List every embedded module of a compiled Bun executable
		❯ bunpack info ./claude`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}

		binPath := filepath.Clean(args[0])
		if _, err := os.Stat(binPath); os.IsNotExist(err) {
			return fmt.Errorf("file %s does not exist", binPath)
		}

		format, err := magic.DetectFile(binPath)
		if err != nil {
			return err
		}
		log.WithField("format", format).Debug("detected host format")

		mods, err := scmd.Modules(binPath, viper.GetString("info.backend"))
		if err != nil {
			return err
		}

		for _, mod := range mods {
			marker := " "
			if mod.EntryPoint {
				marker = "*"
			}
			fmt.Printf("%s %10s  %s\n", marker, humanize.Bytes(mod.Size), mod.Name)
			if viper.GetBool("verbose") {
				fmt.Printf("  %10s  loader=%d format=%d side=%d\n", "", mod.Loader, mod.Format, mod.Side)
			}
		}

		return nil
	},
}
