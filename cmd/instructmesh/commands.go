package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ZincR/InstructMesh-PhysiOpt-Integration/internal/config"
)

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a 3D model from a text prompt",
	Long: `Generate a 3D model from a text prompt via the running server.

Examples:
  instructmesh generate --text "a red cube" --seed 1
  instructmesh generate --text "a wooden chair"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		seed, _ := cmd.Flags().GetInt("seed")

		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("--text is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("generating 3D model (this can take a few minutes)")
		resp, err := client.post(cmd.Context(), "/generate_from_text", map[string]any{
			"text": text,
			"seed": seed,
		})
		if err != nil {
			return err
		}

		var result struct {
			Success      bool   `json:"success"`
			GenerationID string `json:"generation_id"`
			ModelURL     string `json:"model_url"`
			Files        struct {
				GLB  string `json:"glb"`
				OBJ  string `json:"obj"`
				PLY  string `json:"ply"`
				Slat string `json:"slat"`
			} `json:"files"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Generated %s", result.GenerationID)
		printStatus("Model", "%s", result.ModelURL)
		if result.Files.Slat != "" {
			printStatus("Slat", "%s (required for optimization)", result.Files.Slat)
		}
		return nil
	},
}

// --- optimize ---

var optimizeCmd = &cobra.Command{
	Use:   "optimize <generation_id>",
	Short: "Run physics optimization over a previous generation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("optimizing %s (this can take a few minutes)", args[0])
		resp, err := client.post(cmd.Context(), "/optimize/"+args[0], nil)
		if err != nil {
			return err
		}

		var result struct {
			Success              bool   `json:"success"`
			OptimizedModelURL    string `json:"optimized_model_url"`
			StressesURL          string `json:"stresses_url"`
			StressesOptimizedURL string `json:"stresses_optimized_url"`
			Message              string `json:"message"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Optimization complete")
		printStatus("Model", "%s", result.OptimizedModelURL)
		if result.StressesURL != "" {
			printStatus("Stresses", "%s / %s", result.StressesURL, result.StressesOptimizedURL)
		}
		if result.Message != "" {
			printStatus("Message", "%s", result.Message)
		}
		return nil
	},
}

// --- generations ---

var generationsCmd = &cobra.Command{
	Use:   "generations",
	Short: "List recent generations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/generations?limit=%d", limit))
		if err != nil {
			return err
		}

		var generations []struct {
			ID     string `json:"id"`
			Source string `json:"source"`
			Prompt string `json:"prompt"`
			Seed   int    `json:"seed"`
		}
		if err := decodeJSON(resp, &generations); err != nil {
			return err
		}
		if len(generations) == 0 {
			fmt.Println("no generations yet")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSOURCE\tSEED\tPROMPT")
		for _, g := range generations {
			prompt := g.Prompt
			if len(prompt) > 60 {
				prompt = prompt[:60] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", g.ID, g.Source, g.Seed, prompt)
		}
		return w.Flush()
	},
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent generation and optimization runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/runs?limit=%d", limit))
		if err != nil {
			return err
		}

		var runs []struct {
			ID           string `json:"id"`
			Kind         string `json:"kind"`
			GenerationID string `json:"generation_id"`
			Status       string `json:"status"`
			Error        string `json:"error"`
		}
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no runs yet")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tGENERATION\tSTATUS\tERROR")
		for _, r := range runs {
			errMsg := r.Error
			if len(errMsg) > 40 {
				errMsg = errMsg[:40] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Kind, r.GenerationID, r.Status, errMsg)
		}
		return w.Flush()
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage instructmesh configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tVALUE\tENV")
		for _, info := range config.ShowAll(cfg) {
			fmt.Fprintf(w, "%s\t%s\t%s\n", info.Key, info.Value, info.EnvVar)
		}
		return w.Flush()
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return fmt.Errorf("%w\nvalid keys: %s", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

func init() {
	generateCmd.Flags().String("text", "", "text prompt describing the object")
	generateCmd.Flags().Int("seed", 1, "random seed")
	generationsCmd.Flags().Int("limit", 20, "maximum number of generations to list")
	runsCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
