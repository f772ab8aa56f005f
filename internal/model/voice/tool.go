package voice

import "context"

// ToolFunction is a locally registered capability the remote party may invoke.
// Execute blocks until the work is done; a nil Execute is a no-op tool.
type ToolFunction struct {
	Name        string
	Description string
	Parameters  map[string]any
	Execute     func(ctx context.Context, args map[string]any) error
}

// Definition strips the executable part for advertising in session.update.
func (f ToolFunction) Definition() ToolDefinition {
	return ToolDefinition{
		Type:        ToolTypeFunction,
		Name:        f.Name,
		Description: f.Description,
		Parameters:  f.Parameters,
	}
}
