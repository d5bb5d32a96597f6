package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/faucetdb/keyward/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var (
		outputFile string
		baseURL    string
	)

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate the OpenAPI specification",
		Long: `Generate the OpenAPI 3.1 document for the admin API and the API-key
protected endpoints configured in apikeys.protected_paths.`,
		Example: `  keyward openapi                      # print to stdout
  keyward openapi -o openapi.json
  keyward openapi --base-url https://keys.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpenAPI(outputFile, baseURL)
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write spec to file instead of stdout")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Server URL to include in the document")

	return cmd
}

func runOpenAPI(outputFile, baseURL string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	doc := openapi.GenerateSpec(versionString(), baseURL, cfg.APIKeys.ProtectedPaths)
	jsonBytes, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}

	if outputFile == "" {
		fmt.Println(string(jsonBytes))
		return nil
	}
	if err := os.WriteFile(outputFile, jsonBytes, 0644); err != nil {
		return fmt.Errorf("write spec: %w", err)
	}
	fmt.Printf("Wrote OpenAPI spec to %s\n", outputFile)
	return nil
}
