package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var kvCmd = &cobra.Command{
	Use:   "kv",
	Short: "direct low level key-value access",
}

func init() {
	kvCmd.AddCommand(kvListCmd)
	kvCmd.AddCommand(kvGetCmd)
	kvCmd.AddCommand(kvPutCmd)
	kvCmd.AddCommand(kvDelCmd)
}

var kvListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List all keys",
	Run: func(cmd *cobra.Command, args []string) {
		client := openClient()
		defer client.Close()

		for kv, err := range client.Store().KV().Read().Iter(cmd.Context(), []byte{}, []byte{}) {
			if err != nil {
				panic(err)
			}
			fmt.Println(escapeNonPrintable(kv.K))
		}
	},
}

var kvGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get value for a key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := openClient()
		defer client.Close()

		v, err := client.Store().KV().Read().Get(cmd.Context(), []byte(args[0]))
		if err != nil {
			panic(err)
		}
		fmt.Println(string(v))
	},
}

var kvPutCmd = &cobra.Command{
	Use:   "put [key] [value]",
	Short: "Put a key-value pair",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		client := openClient()
		defer client.Close()

		w := client.Store().KV().Write()
		w.Put([]byte(args[0]), []byte(args[1]))
		if err := w.Commit(cmd.Context()); err != nil {
			panic(err)
		}
	},
}

var kvDelCmd = &cobra.Command{
	Use:     "del [key]",
	Aliases: []string{"rm"},
	Short:   "Delete a key-value pair",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := openClient()
		defer client.Close()

		w := client.Store().KV().Write()
		w.Del([]byte(args[0]))
		if err := w.Commit(cmd.Context()); err != nil {
			panic(err)
		}
	},
}

func escapeNonPrintable(b []byte) string {
	var result strings.Builder
	for _, c := range b {
		if c >= 32 && c <= 126 {
			result.WriteByte(c)
		} else {
			result.WriteString(fmt.Sprintf("\\x%02x", c))
		}
	}
	return result.String()
}
