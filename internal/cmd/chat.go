package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cykonova/litellm/client"
	"github.com/cykonova/litellm/internal/logging"
)

var (
	chatModel       string
	chatSystem      string
	chatNoStream    bool
	chatTemperature float64
	chatMaxTokens   int
	chatTimeout     time.Duration
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a chat completion request",
	Long: `Send one chat completion over the WebSocket endpoint.

By default the response is streamed and printed fragment by fragment as
it arrives. Use --no-stream for a single final response.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.Join(args, " ")

		ctx, cancel := context.WithTimeout(cmd.Context(), chatTimeout)
		defer cancel()

		c, err := connectClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		var messages []client.Message
		if chatSystem != "" {
			messages = append(messages, client.Message{Role: "system", Content: chatSystem})
		}
		messages = append(messages, client.Message{Role: "user", Content: message})

		req := client.ChatRequest{
			Model:    chatModel,
			Messages: messages,
		}
		if cmd.Flags().Changed("temperature") {
			req.Temperature = &chatTemperature
		}
		if cmd.Flags().Changed("max-tokens") {
			req.MaxTokens = &chatMaxTokens
		}

		if chatNoStream {
			content, err := c.Complete(ctx, req)
			if err != nil {
				return fmt.Errorf("chat completion: %w", err)
			}
			fmt.Println(content)
			return nil
		}

		_, err = c.Stream(ctx, req, func(delta string) {
			fmt.Print(delta)
		})
		if err != nil {
			return fmt.Errorf("chat completion: %w", err)
		}
		fmt.Println()
		return nil
	},
}

// connectClient dials the configured endpoint with the common options.
func connectClient(ctx context.Context) (*client.Client, error) {
	opts := []client.Option{
		client.WithLogger(logging.Client()),
		client.WithPingTimeout(cfg.PingTimeout.Duration()),
		client.WithDefaultModel(cfg.Model),
	}
	if cfg.APIKey != "" {
		opts = append(opts, client.WithAPIKey(cfg.APIKey))
	}
	c, err := client.Connect(ctx, cfg.ServerURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.ServerURL, err)
	}
	return c, nil
}

func init() {
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "model to use (overrides config default)")
	chatCmd.Flags().StringVar(&chatSystem, "system", "", "system prompt")
	chatCmd.Flags().BoolVar(&chatNoStream, "no-stream", false, "wait for the full response instead of streaming")
	chatCmd.Flags().Float64VarP(&chatTemperature, "temperature", "t", 0, "sampling temperature")
	chatCmd.Flags().IntVar(&chatMaxTokens, "max-tokens", 0, "maximum tokens to generate")
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 5*time.Minute, "overall request timeout")
	rootCmd.AddCommand(chatCmd)
}
