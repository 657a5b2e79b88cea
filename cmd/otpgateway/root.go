package main

import (
	"github.com/spf13/cobra"
)

const serviceName = "otpgateway"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   serviceName,
		Short: "OTP gateway: issue and verify one-time passwords over SMS",
		Long: `otpgateway issues short numeric codes to mobile numbers through an SMS
gateway and verifies them. Configuration comes from environment variables
(OTP_TTL_MINUTES, STORE_DRIVER, SMS_PROVIDER, ...).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newClassifyCmd())
	return root
}
