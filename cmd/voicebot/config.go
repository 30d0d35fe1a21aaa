package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Печатает итоговую конфигурацию в YAML (секреты скрыты)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, err := cfg.Dump()
		if err != nil {
			return fmt.Errorf("ошибка сериализации конфигурации: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}
