// Command arp-planner-demo drives an ARP robot server from a Claude-backed
// planning loop: it lists the server's tools, turns them into Anthropic tool
// definitions, and runs a bounded plan/act/observe loop that calls back into
// the robot over arp.callTool for every tool_use block Claude emits. This is
// the one demo that legitimately exercises an LLM SDK — SPEC_FULL.md's
// planning capability is advertised by the core but deliberately never
// implemented by it (spec.md §1); a peripheral planner is exactly where that
// loop belongs. It is grounded on features/model/anthropic/client.go's
// request/response translation in the teacher repository, trimmed to a
// single-provider, non-streaming demo loop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/spf13/cobra"

	"github.com/arprotocol/arp-go/client"
	"github.com/arprotocol/arp-go/model"
)

func main() {
	var serverURL, prompt, anthropicModel string
	var maxTurns int

	root := &cobra.Command{
		Use:   "arp-planner-demo",
		Short: "Drive an ARP robot server from a Claude planning loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), serverURL, prompt, anthropicModel, maxTurns)
		},
	}
	root.Flags().StringVar(&serverURL, "server", "ws://localhost:8765", "ARP server WebSocket URL")
	root.Flags().StringVar(&prompt, "prompt", "Pick up block_1 and place it on the table.", "instruction for the planner")
	root.Flags().StringVar(&anthropicModel, "model", "claude-sonnet-4-5", "Anthropic model identifier")
	root.Flags().IntVar(&maxTurns, "max-turns", 8, "maximum plan/act/observe turns before giving up")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, serverURL, prompt, anthropicModel string, maxTurns int) error {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("arp-planner-demo: ANTHROPIC_API_KEY must be set")
	}

	robot, err := client.Connect(ctx, serverURL, "arp-planner-demo", "1.0.0")
	if err != nil {
		return fmt.Errorf("arp-planner-demo: connect: %w", err)
	}
	defer robot.Disconnect(ctx)

	if _, err := robot.Initialize(ctx); err != nil {
		return fmt.Errorf("arp-planner-demo: initialize: %w", err)
	}

	tools, err := robot.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("arp-planner-demo: listTools: %w", err)
	}

	anthropicTools := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		schema := toolInputSchema(tool)
		u := sdk.ToolUnionParamOfTool(schema, tool.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(tool.Description)
		}
		anthropicTools = append(anthropicTools, u)
	}

	anthropicClient := sdk.NewClient(option.WithAPIKey(apiKey))

	messages := []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))}

	for turn := 0; turn < maxTurns; turn++ {
		resp, err := anthropicClient.Messages.New(ctx, sdk.MessageNewParams{
			Model:     sdk.Model(anthropicModel),
			MaxTokens: 1024,
			Messages:  messages,
			Tools:     anthropicTools,
		})
		if err != nil {
			return fmt.Errorf("arp-planner-demo: messages.new: %w", err)
		}

		assistantBlocks := make([]sdk.ContentBlockParamUnion, 0, len(resp.Content))
		var toolCalls []sdk.ContentBlockUnion
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				fmt.Println(block.Text)
				assistantBlocks = append(assistantBlocks, sdk.NewTextBlock(block.Text))
			case "tool_use":
				assistantBlocks = append(assistantBlocks, sdk.NewToolUseBlock(block.ID, block.Input, block.Name))
				toolCalls = append(toolCalls, block)
			}
		}
		messages = append(messages, sdk.NewAssistantMessage(assistantBlocks...))

		if len(toolCalls) == 0 {
			return nil
		}

		resultBlocks := make([]sdk.ContentBlockParamUnion, 0, len(toolCalls))
		for _, call := range toolCalls {
			var args model.Args
			if err := json.Unmarshal(call.Input, &args); err != nil {
				args = model.Args{}
			}
			result, err := robot.CallTool(ctx, call.Name, args, func(p model.ToolProgressParams) {
				fmt.Printf("  [%s] %s\n", call.Name, p.Message)
			})
			var content string
			isError := false
			if err != nil {
				content = err.Error()
				isError = true
			} else if result.State == model.ToolStateFailed {
				content = result.Error
				isError = true
			} else {
				data, _ := json.Marshal(result.Result)
				content = string(data)
			}
			resultBlocks = append(resultBlocks, sdk.NewToolResultBlock(call.ID, content, isError))
		}
		messages = append(messages, sdk.NewUserMessage(resultBlocks...))
	}

	return fmt.Errorf("arp-planner-demo: exceeded %d turns without a final response", maxTurns)
}

func toolInputSchema(tool model.PhysicalTool) sdk.ToolInputSchemaParam {
	if tool.Parameters == nil {
		return sdk.ToolInputSchemaParam{}
	}
	data, err := json.Marshal(tool.Parameters)
	if err != nil {
		return sdk.ToolInputSchemaParam{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return sdk.ToolInputSchemaParam{}
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}
}
