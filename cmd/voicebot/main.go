// Команда voicebot запускает голосового бота для Asterisk ARI.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "voicebot",
	Short:         "Голосовой бот для звонков Asterisk",
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `voicebot принимает звонки через Asterisk ARI, распознает речь абонента,
передает реплики в диалоговый бэкенд и озвучивает ответы.

Конфигурация читается из YAML файла (--config), переменных окружения
с префиксом VOICEBOT_ и файла .env в текущем каталоге.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env не обязателен
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "путь к YAML файлу конфигурации")
	rootCmd.AddCommand(serveCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
