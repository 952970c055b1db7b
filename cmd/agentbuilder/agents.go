package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"agent_builder/internal/blueprint"
	"agent_builder/internal/domain"
	"agent_builder/internal/palette"
)

func paletteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "palette",
		Short: "List the node types agents are built from",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			banner("node palette")
			var rows [][]string
			for _, e := range palette.Entries() {
				rows = append(rows, []string{e.Icon, string(e.Type), string(e.Type.Family()), e.Label, e.Description})
			}
			table([]string{"Icon", "Type", "Family", "Label", "Description"}, rows)
		},
	}
}

func agentsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and remove saved agents",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List saved agents",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				rt, err := opts.open(cmd)
				if err != nil {
					return err
				}
				defer rt.Close()

				agents, err := rt.store.ListAgents(cmd.Context())
				if err != nil {
					return err
				}
				banner("saved agents")
				if len(agents) == 0 {
					fmt.Println("  No agents yet. Create one with `agentbuilder builder`.")
					return nil
				}
				var rows [][]string
				for _, a := range agents {
					rows = append(rows, []string{a.ID, a.Name, strconv.Itoa(a.NodeCount), a.UpdatedAt.Local().Format("Jan 02 15:04")})
				}
				table([]string{"ID", "Name", "Nodes", "Updated"}, rows)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show <agent-id>",
			Short: "Print an agent's nodes and connections",
			Args:  exactArgs(1, "<agent-id>"),
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := opts.open(cmd)
				if err != nil {
					return err
				}
				defer rt.Close()

				agent, err := rt.store.LoadAgent(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printAgent(agent)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <agent-id>",
			Short: "Delete an agent with its conversations",
			Args:  exactArgs(1, "<agent-id>"),
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := opts.open(cmd)
				if err != nil {
					return err
				}
				defer rt.Close()

				if err := rt.store.DeleteAgent(cmd.Context(), args[0]); err != nil {
					return err
				}
				good.Printf("  deleted %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func importCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.hcl|file.json>",
		Short: "Save an agent from a blueprint file in the workspace",
		Args:  exactArgs(1, "<file.hcl|file.json>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ws, err := blueprint.NewWorkspace(rt.cfg.Builder.WorkspaceRoot, rt.logger)
			if err != nil {
				return err
			}
			agent, err := ws.Import(args[0])
			if err != nil {
				return err
			}
			if err := rt.store.SaveAgent(cmd.Context(), agent); err != nil {
				return err
			}
			good.Printf("  imported %s (%s) with %d nodes\n", agent.Name, agent.ID, len(agent.Nodes))
			return nil
		},
	}
}

func exportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <agent-id> <file.hcl|file.json>",
		Short: "Write a saved agent to a blueprint file in the workspace",
		Args:  exactArgs(2, "<agent-id> <file.hcl|file.json>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			agent, err := rt.store.LoadAgent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			ws, err := blueprint.NewWorkspace(rt.cfg.Builder.WorkspaceRoot, rt.logger)
			if err != nil {
				return err
			}
			if err := ws.Export(args[1], agent); err != nil {
				return err
			}
			good.Printf("  exported %s to %s\n", agent.ID, args[1])
			return nil
		},
	}
}

func printAgent(agent domain.AgentData) {
	banner(agent.Name)
	if agent.Description != "" {
		fmt.Printf("  %s\n\n", agent.Description)
	}
	var nodes [][]string
	for _, n := range agent.Nodes {
		nodes = append(nodes, []string{n.ID, string(n.Type), n.Name, fmt.Sprintf("%.0f,%.0f", n.Position.X, n.Position.Y)})
	}
	table([]string{"Node", "Type", "Name", "At"}, nodes)
	if len(agent.Connections) == 0 {
		return
	}
	fmt.Println()
	var conns [][]string
	for _, c := range agent.Connections {
		conns = append(conns, []string{c.ID, c.Source, c.Target})
	}
	table([]string{"Connection", "From", "To"}, conns)
}
