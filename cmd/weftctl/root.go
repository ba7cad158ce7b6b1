package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/CoteTommy/Weft-App-sub000/internal/api"
	"github.com/CoteTommy/Weft-App-sub000/internal/lock"
	"github.com/CoteTommy/Weft-App-sub000/internal/session"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const appName = "weftctl"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Control a running weftd",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.Version = Version
	cmd.SetVersionTemplate(appName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("profile", "", "profile name (overrides config default)")
	cmd.PersistentFlags().String("socket", "", "daemon socket path (overrides the profile's)")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")
	cmd.PersistentFlags().Duration("timeout", 10*time.Second, "per-call timeout")

	cmd.AddCommand(
		newStatusCmd(),
		newThreadsCmd(),
		newThreadCmd(),
		newSendCmd(),
		newQueueCmd(),
		newRefreshCmd(),
		newPrefCmd("pin", "Pin a thread", "pinned", true),
		newPrefCmd("unpin", "Unpin a thread", "pinned", false),
		newPrefCmd("mute", "Mute a thread", "muted", true),
		newPrefCmd("unmute", "Unmute a thread", "muted", false),
		newReadCmd(),
		newWatchCmd(),
	)
	return cmd
}

// target returns the socket selected by --socket or --profile. profile is
// empty when --socket is given.
func target(cmd *cobra.Command) (socketPath, profile string, err error) {
	socketPath, _ = cmd.Flags().GetString("socket")
	if socketPath != "" {
		return socketPath, "", nil
	}
	flagProfile, _ := cmd.Flags().GetString("profile")
	profile = session.Resolve(flagProfile)
	if err := session.ValidateName(profile); err != nil {
		return "", "", err
	}
	return session.SocketPath(profile), profile, nil
}

func dial(cmd *cobra.Command) (*api.Client, error) {
	socketPath, _, err := target(cmd)
	if err != nil {
		return nil, err
	}
	c, err := api.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon at %s: %w", socketPath, err)
	}
	return c, nil
}

// explain turns an unreachable socket into a message naming the profile's
// daemon state, read from its lock file.
func explain(cmd *cobra.Command, err error) error {
	if grpcstatus.Code(err) != codes.Unavailable {
		return err
	}
	_, profile, terr := target(cmd)
	if terr != nil || profile == "" {
		return err
	}
	pid, running, lerr := lock.Owner(session.Dir(profile))
	switch {
	case lerr != nil:
		return err
	case !running:
		return fmt.Errorf("weftd is not running for profile %q (start it with: weftd --profile %s)", profile, profile)
	default:
		return fmt.Errorf("weftd (pid %d) for profile %q is not answering: %w", pid, profile, err)
	}
}

// call runs one control method and returns its reply.
func call(cmd *cobra.Command, method string, req map[string]any) (map[string]any, error) {
	c, err := dial(cmd)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	resp, err := c.Call(ctx, method, req)
	if err != nil {
		return nil, explain(cmd, err)
	}
	return resp, nil
}

// run calls method and prints the reply as JSON or through text.
func run(cmd *cobra.Command, method string, req map[string]any, text func(map[string]any)) error {
	resp, err := call(cmd, method, req)
	if err != nil {
		return err
	}
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut || text == nil {
		return outputJSON(cmd, resp)
	}
	text(resp)
	return nil
}

func outputJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
