package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"portal-bridge/internal/channel"
)

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Work with push network invitations",
}

var inviteInspectCmd = &cobra.Command{
	Use:   "inspect [path]",
	Short: "Validate and describe an invitation file",
	Long: `Load the invitation (default: channel.invitation) and print where the bridge will
connect. Keys are validated but never printed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Channel.Invitation
		if len(args) == 1 {
			path = args[0]
		}

		inv, err := channel.LoadInvitation(path)
		if err != nil {
			return err
		}
		endpoint, err := inv.WebsocketURL()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Invitation: %s\n", path)
		fmt.Fprintf(out, "Network:    %s\n", inv.Name)
		fmt.Fprintf(out, "URL:        %s\n", inv.URL)
		fmt.Fprintf(out, "Endpoint:   %s\n", endpoint)
		fmt.Fprintf(out, "Inner key:  %s\n", inv.InnerKey)
		fmt.Fprintf(out, "Outer key:  %s\n", inv.OuterKey)
		fmt.Fprintf(out, "Protocol:   %s\n", channel.ProtocolVersion)
		return nil
	},
}

func init() {
	inviteCmd.AddCommand(inviteInspectCmd)
}
