package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/assettracker/pkg/config"
	"github.com/cuemby/assettracker/pkg/security"
)

var deriveKeyCmd = &cobra.Command{
	Use:     "derive-key",
	Short:   "Derive a device key from an enrollment group key",
	Example: `  tracker derive-key --group-key <base64> --device-id tracker-01`,
	RunE: func(cmd *cobra.Command, args []string) error {
		groupKey, _ := cmd.Flags().GetString("group-key")
		deviceID, _ := cmd.Flags().GetString("device-id")

		key, err := security.DecodeKey(groupKey)
		if err != nil {
			return fmt.Errorf("invalid group key: %w", err)
		}
		deviceKey, err := security.DeriveDeviceKey(key, deviceID)
		if err != nil {
			return err
		}
		fmt.Println(security.EncodeKey(deviceKey))
		return nil
	},
}

var sealKeyCmd = &cobra.Command{
	Use:   "seal-key",
	Short: "Seal a group key for use as device.group_key_sealed",
	Long: `Seal encrypts a group key with the passphrase from TRACKER_KEY_PASSPHRASE.
The output goes into device.group_key_sealed; the same passphrase must be
set when the agent runs.`,
	Example: `  TRACKER_KEY_PASSPHRASE=... tracker seal-key --group-key <base64>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		groupKey, _ := cmd.Flags().GetString("group-key")

		key, err := security.DecodeKey(groupKey)
		if err != nil {
			return fmt.Errorf("invalid group key: %w", err)
		}
		passphrase := os.Getenv(config.PassphraseEnv)
		if passphrase == "" {
			return fmt.Errorf("%s must be set", config.PassphraseEnv)
		}
		sealed, err := security.SealKey(key, passphrase)
		if err != nil {
			return err
		}
		fmt.Println(sealed)
		return nil
	},
}

func init() {
	deriveKeyCmd.Flags().String("group-key", "", "Enrollment group key (base64)")
	deriveKeyCmd.Flags().String("device-id", "", "Device registration id")
	_ = deriveKeyCmd.MarkFlagRequired("group-key")
	_ = deriveKeyCmd.MarkFlagRequired("device-id")

	sealKeyCmd.Flags().String("group-key", "", "Enrollment group key (base64)")
	_ = sealKeyCmd.MarkFlagRequired("group-key")
}
