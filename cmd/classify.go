package cmd

import (
	"fmt"
	"os"

	"callhound/internal/classify"

	"github.com/spf13/cobra"
)

// classifyCmd represents the classify command
var classifyCmd = &cobra.Command{
	Use:   "classify <file>",
	Short: "Identify the executable format of a single file",
	Long: `Identify the binary format of a file by magic-number sniffing,
confirmed by a header parse. Formats recognized:

* ELF
* PE
* Mach-O`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := args[0]
		fmt.Printf("[*] Input file: %s\n", path)

		desc, err := classify.Describe(path)
		if err != nil {
			fmt.Printf("[!] %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("[+] Format Identified: %s\n", desc)
	},
}

func init() {
	rootCmd.AddCommand(classifyCmd)
}
