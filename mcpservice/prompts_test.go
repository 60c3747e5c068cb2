package mcpservice

import (
	"context"
	"strings"
	"testing"

	"github.com/relaywire/mcpserve/mcp"
)

func greetPrompt() StaticPrompt {
	return StaticPrompt{
		Descriptor: mcp.Prompt{
			Name: "greet",
			Arguments: []mcp.PromptArgument{
				{Name: "name", Required: true},
				{Name: "tone"},
			},
		},
		Handler: func(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{
				Messages: []mcp.PromptMessage{{
					Role:    mcp.RoleUser,
					Content: mcp.ContentBlock{Type: mcp.ContentTypeText, Text: "Say hello to " + args["name"]},
				}},
			}, nil
		},
	}
}

func TestRenderValidatesRequiredArguments(t *testing.T) {
	p := greetPrompt()

	_, err := p.Render(context.Background(), map[string]string{"tone": "warm"})
	if err == nil {
		t.Fatalf("missing required argument should fail")
	}
	if !strings.Contains(err.Error(), `missing required argument "name"`) {
		t.Fatalf("err = %v", err)
	}

	res, err := p.Render(context.Background(), map[string]string{"name": "Ada"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(res.Messages) != 1 || !strings.Contains(res.Messages[0].Content.Text, "Ada") {
		t.Fatalf("messages = %+v", res.Messages)
	}
}

func TestPromptsContainerLifecycle(t *testing.T) {
	c := NewPromptsContainer(greetPrompt())
	ch := c.ListChanged().Subscriber()

	if _, ok := c.GetPrompt("greet"); !ok {
		t.Fatalf("greet not found")
	}
	if got := c.ListPrompts(); len(got) != 1 || got[0].Name != "greet" {
		t.Fatalf("list = %+v", got)
	}

	c.Register(StaticPrompt{Descriptor: mcp.Prompt{Name: "farewell"}})
	select {
	case <-ch:
	default:
		t.Fatalf("Register should signal a list change")
	}

	c.Remove("farewell")
	select {
	case <-ch:
	default:
		t.Fatalf("Remove should signal a list change")
	}

	c.Remove("farewell")
	select {
	case <-ch:
		t.Fatalf("removing an absent prompt must not signal")
	default:
	}
}
