package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/astroinsight/astroinsight/internal/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks on a running server",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task",
	Long: `Submit a task to the running server.

Examples:
  astroinsight task submit --kind generate_idea --payload '{"topic":"dark matter halos"}'
  astroinsight task submit --kind extract_keywords --payload '{"text":"..."}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		payload, _ := cmd.Flags().GetString("payload")
		skipCache, _ := cmd.Flags().GetBool("skip-cache")

		if kind == "" {
			return fmt.Errorf("--kind is required")
		}
		if payload == "" {
			payload = "{}"
		}
		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("--payload must be valid JSON")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post("/tasks", map[string]any{
			"kind":       kind,
			"payload":    json.RawMessage(payload),
			"skip_cache": skipCache,
		})
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Submitted task %s (%s)", result["task_id"], result["status"])
		return nil
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the state of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get("/tasks/" + args[0])
		if err != nil {
			return err
		}

		var view struct {
			TaskID  string          `json:"task_id"`
			Kind    string          `json:"kind"`
			Status  string          `json:"status"`
			Attempt int             `json:"attempt"`
			Result  json.RawMessage `json:"result"`
			Error   *task.Error     `json:"error"`
		}
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}

		printStatus("Task", "%s", view.TaskID)
		printStatus("Kind", "%s", view.Kind)
		printStatus("Status", "%s", view.Status)
		printStatus("Attempt", "%d", view.Attempt)
		if view.Error != nil {
			printStatus("Error", "%s: %s", view.Error.Kind, view.Error.Message)
		}
		if len(view.Result) > 0 {
			fmt.Println(string(view.Result))
		}
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Request cancellation of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post("/tasks/"+args[0]+"/cancel", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Cancellation requested for %s", args[0])
		return nil
	},
}

func init() {
	taskSubmitCmd.Flags().String("kind", "", "task kind (generate_idea, extract_keywords, compress_content, ...)")
	taskSubmitCmd.Flags().String("payload", "", "JSON payload for the task")
	taskSubmitCmd.Flags().Bool("skip-cache", false, "bypass the result cache")

	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskCancelCmd)
}
