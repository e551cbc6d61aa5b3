package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dawei-ai/dawei/internal/checkpoint"
	"github.com/dawei-ai/dawei/internal/config"
	"github.com/dawei-ai/dawei/internal/conversation"
	"github.com/dawei-ai/dawei/internal/persist"
	"github.com/dawei-ai/dawei/internal/taskgraph"
)

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Save, list and restore session checkpoints",
	}
	cmd.AddCommand(checkpointSaveCmd())
	cmd.AddCommand(checkpointListCmd())
	cmd.AddCommand(checkpointShowCmd())
	cmd.AddCommand(checkpointRestoreCmd())
	cmd.AddCommand(checkpointRmCmd())
	return cmd
}

func openCheckpointStore() (*checkpoint.Store, *config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	return checkpoint.NewStore(cfg.ResolveHome(), cfg.Persist), cfg, nil
}

func checkpointSaveCmd() *cobra.Command {
	var workspacePath, convID, graphID, label string
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Snapshot a conversation and task graph from a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openCheckpointStore()
			if err != nil {
				return err
			}
			ws := config.ExpandHome(workspacePath)
			pm := persist.New(ws, cfg.Persist)

			var conv conversation.Conversation
			if err := pm.Load(persist.TypeConversation, convID, &conv); err != nil {
				return fmt.Errorf("load conversation %s: %w", convID, err)
			}

			var graph taskgraph.Snapshot
			if graphID != "" {
				if err := pm.Load(persist.TypeTaskGraph, graphID, &graph); err != nil {
					return fmt.Errorf("load task graph %s: %w", graphID, err)
				}
			}

			cp, err := store.Save(ws, label, conv, graph)
			if err != nil {
				return err
			}
			fmt.Printf("saved checkpoint %s (%d messages, %d nodes)\n",
				cp.ID, len(cp.Conversation.Messages), len(cp.Graph.Nodes))
			return nil
		},
	}
	cmd.Flags().StringVar(&workspacePath, "workspace", "", "workspace path")
	cmd.Flags().StringVar(&convID, "conversation", "", "conversation ID to snapshot")
	cmd.Flags().StringVar(&graphID, "graph", "", "task graph ID to snapshot (optional)")
	cmd.Flags().StringVar(&label, "label", "", "human-readable label")
	cmd.MarkFlagRequired("workspace")
	cmd.MarkFlagRequired("conversation")
	return cmd
}

func checkpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved checkpoints, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openCheckpointStore()
			if err != nil {
				return err
			}
			cps, err := store.List()
			if err != nil {
				return err
			}
			if len(cps) == 0 {
				fmt.Println("no checkpoints")
				return nil
			}
			for _, cp := range cps {
				label := cp.Label
				if label == "" {
					label = "-"
				}
				fmt.Printf("%s  %s  %-20s  %s\n",
					cp.ID, cp.CreatedAt.Format("2006-01-02 15:04"), label, cp.Workspace)
			}
			return nil
		},
	}
}

func checkpointShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one checkpoint as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openCheckpointStore()
			if err != nil {
				return err
			}
			cp, err := store.Load(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cp)
		},
	}
}

func checkpointRestoreCmd() *cobra.Command {
	var workspacePath string
	cmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Write a checkpoint's conversation back into a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openCheckpointStore()
			if err != nil {
				return err
			}
			cp, err := store.Load(args[0])
			if err != nil {
				return err
			}
			ws := workspacePath
			if ws == "" {
				ws = cp.Workspace
			}
			pm := persist.New(config.ExpandHome(ws), cfg.Persist)
			if err := pm.Save(persist.TypeConversation, cp.Conversation.ID, cp.Conversation); err != nil {
				return err
			}
			fmt.Printf("restored conversation %s into %s\n", cp.Conversation.ID, ws)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspacePath, "workspace", "", "target workspace (default: checkpoint's origin)")
	return cmd
}

func checkpointRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openCheckpointStore()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
}
