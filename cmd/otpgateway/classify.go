package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/melipayamak"
)

type classifyOutput struct {
	Raw     string `json:"raw"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

func newClassifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify <result>",
		Short: "Explain a raw SendByBaseNumber result",
		Long: `Map a raw gateway result (a record id or a status code such as -2, 0, 11)
to the verdict the service would reach, with its localized description.`,
		Example: `  otpgateway classify 11
  otpgateway classify --locale en --json -- -2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			localeFlag, _ := cmd.Flags().GetString("locale")
			jsonOut, _ := cmd.Flags().GetBool("json")

			locale, err := domain.ParseLocale(localeFlag)
			if err != nil {
				return err
			}
			classifier := melipayamak.NewClassifier(locale)
			verdict := classifier.Classify(args[0])

			out := classifyOutput{
				Raw:     args[0],
				Success: verdict.Success,
				Reason:  verdict.Reason.Code,
				Message: classifier.Describe(args[0]),
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			w := cmd.OutOrStdout()
			if out.Success {
				fmt.Fprintf(w, "success  %s\n", out.Message)
				return nil
			}
			fmt.Fprintf(w, "failed   %s  %s\n", out.Reason, out.Message)
			return nil
		},
	}
	cmd.Flags().String("locale", string(domain.LocaleFA), "Description language: fa or en")
	cmd.Flags().Bool("json", false, "Output in JSON format")
	return cmd
}
