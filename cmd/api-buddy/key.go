package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/apibuddy/api-buddy/internal/security"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage secure keys",
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a secure key for security.secure_key",
	Run:   runKeyGenerate,
}

func init() {
	keyCmd.AddCommand(keyGenerateCmd)
}

func runKeyGenerate(cmd *cobra.Command, args []string) {
	key, err := security.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}
	fmt.Println(key)
}
