package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

func newDiagramCommand(opts *rootOptions) *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:       "diagram <action|execution|schedule> <id>",
		Short:     "Draw an action, an execution or a schedule pipeline",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"action", "execution", "schedule"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "ascii" && format != "mermaid" && format != "image" {
				return schema.NewErrorf(schema.ErrCodeValidation, "unknown format %q", format)
			}
			if format == "image" && out == "" {
				return schema.NewError(schema.ErrCodeValidation, "--out is required for image output")
			}
			return opts.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				model, err := buildDiagram(ctx, a, args[0], args[1])
				if err != nil {
					return err
				}

				var data []byte
				switch format {
				case "mermaid":
					data = []byte(diagram.RenderMermaid(model))
				case "image":
					if data, err = diagram.RenderImage(ctx, model); err != nil {
						return err
					}
				default:
					data = []byte(diagram.RenderASCII(model))
				}

				if out == "" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", out, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "written: %s (%d bytes)\n", out, len(data))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "ascii", "Output format (ascii, mermaid, image)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the diagram to a file instead of stdout")
	return cmd
}

func buildDiagram(ctx context.Context, a *app, kind, id string) (*diagram.DiagramModel, error) {
	switch kind {
	case "action":
		action, err := a.store.GetAction(ctx, id)
		if err != nil {
			return nil, err
		}
		return diagram.BuildAction(action, nil)
	case "execution":
		exec, timeline, err := a.runner.Execution(ctx, id)
		if err != nil {
			return nil, err
		}
		action, err := a.store.GetAction(ctx, exec.ActionID)
		if err != nil {
			return nil, err
		}
		if timeline == nil {
			timeline = []store.StepTrace{}
		}
		return diagram.BuildAction(action, timeline)
	case "schedule":
		sched, err := a.store.GetSchedule(ctx, id)
		if err != nil {
			return nil, err
		}
		actions := make(map[string]*schema.Action, len(sched.Steps))
		for _, st := range sched.Steps {
			if action, getErr := a.store.GetAction(ctx, st.ActionID); getErr == nil {
				actions[st.ActionID] = action
			}
		}
		return diagram.BuildSchedule(sched, actions)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram target %q", kind)
	}
}
