package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "cascade",
		Short: "Cascade node - materialized views over changelogs",
	}

	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default ~/.cascade)")
	_ = v.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))

	rootCmd.AddCommand(newStartCmd(v))
	rootCmd.AddCommand(newBackfillsCmd(v))
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
