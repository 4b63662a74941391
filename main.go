package main

import (
	"fmt"
	"os"

	"docvoice/core"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		core.GetLogger().Error("exiting", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "docvoice",
		Short: "Voice agent that answers questions about an uploaded document",
		Long: `docvoice serves a small HTTP API: create a session, upload a PDF or text
document, then connect over WebRTC (or a Daily room) and talk about it.

Provider keys are read from the environment (.env.local and .env are loaded):
  DEEPGRAM_API_KEY  speech recognition
  GOOGLE_API_KEY    Gemini answers and document storage
  OPENAI_API_KEY    answers when no Gemini key is set
  CAMB_API_KEY      speech synthesis
  TAVILY_API_KEY    web search tool
  DAILY_API_KEY     room mode`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "docvoice", version)
		},
	}
}
