package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rinsane/distbuild/pkg/cas"
)

var casCmd = &cobra.Command{
	Use:   "cas",
	Short: "Interact with the content-addressable store directly",
}

func init() {
	casCmd.AddCommand(casPutCmd)
	casCmd.AddCommand(casGetCmd)
	casCmd.AddCommand(casExistsCmd)
	casCmd.AddCommand(casListCmd)
}

func openStore(cmd *cobra.Command) (*cas.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return cas.New(cfg.CAS.Root)
}

var casPutCmd = &cobra.Command{
	Use:   "put <file>",
	Short: "Store a file's contents and print its digest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		digest, err := store.Put(b)
		if err != nil {
			return err
		}
		fmt.Println(digest)
		return nil
	},
}

var casGetCmd = &cobra.Command{
	Use:   "get <digest>",
	Short: "Print the bytes stored under digest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		b, err := store.Get(args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(b)
		return err
	},
}

var casExistsCmd = &cobra.Command{
	Use:   "exists <digest>",
	Short: "Report whether a digest is present",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		ok, err := store.Exists(args[0])
		if err != nil {
			return err
		}
		fmt.Println(ok)
		if !ok {
			os.Exit(1)
		}
		return nil
	},
}

var casListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all digests in the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		digests, err := store.ListAll()
		if err != nil {
			return err
		}
		for _, d := range digests {
			fmt.Println(d)
		}
		return nil
	},
}
