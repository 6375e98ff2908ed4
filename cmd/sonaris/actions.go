package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"sonaris/internal/task/action"
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List registered actions and their parameters",
	Args:  cobra.NoArgs,
	RunE:  runActions,
}

func init() {
	rootCmd.AddCommand(actionsCmd)
	actionsCmd.Flags().Bool("json", false, "Output as JSON")
}

type paramView struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Required   bool   `json:"required"`
	Default    any    `json:"default,omitempty"`
	Constraint string `json:"constraint,omitempty"`
}

type actionView struct {
	Name        string      `json:"name"`
	Aliases     []string    `json:"aliases,omitempty"`
	Device      string      `json:"device,omitempty"`
	Description string      `json:"description,omitempty"`
	Params      []paramView `json:"params"`
}

func describeActions(reg *action.Registry) ([]actionView, error) {
	names := reg.Names()
	out := make([]actionView, 0, len(names))
	for _, name := range names {
		a, err := reg.Resolve(name)
		if err != nil {
			return nil, err
		}
		v := actionView{Name: a.Name, Aliases: a.Aliases, Device: a.Device, Description: a.Description, Params: []paramView{}}
		for _, p := range a.Shape {
			pv := paramView{Name: p.Name, Type: p.Type.String(), Required: p.Required, Default: p.Default}
			if p.Constraint != nil {
				pv.Constraint = p.Constraint.String()
			}
			v.Params = append(v.Params, pv)
		}
		out = append(out, v)
	}
	return out, nil
}

func runActions(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	a, err := openOffline(false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	views, err := describeActions(a.Registry())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}
	for _, v := range views {
		header := v.Name
		if v.Device != "" {
			header += " [" + v.Device + "]"
		}
		if len(v.Aliases) > 0 {
			header += " (also: " + strings.Join(v.Aliases, ", ") + ")"
		}
		_, _ = fmt.Fprintln(out, header)
		if v.Description != "" {
			_, _ = fmt.Fprintln(out, "  "+v.Description)
		}
		for _, p := range v.Params {
			var b strings.Builder
			fmt.Fprintf(&b, "    %s %s", p.Name, p.Type)
			if p.Required {
				b.WriteString(" required")
			} else if p.Default != nil {
				fmt.Fprintf(&b, " default=%v", p.Default)
			}
			if p.Constraint != "" {
				b.WriteString(" " + p.Constraint)
			}
			_, _ = fmt.Fprintln(out, b.String())
		}
	}
	return nil
}
