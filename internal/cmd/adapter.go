package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/teleclaude/teleclaude/internal/protocol"
	"github.com/teleclaude/teleclaude/internal/style"
)

var adapterCmd = &cobra.Command{
	Use:     "adapter",
	GroupID: GroupSessions,
	Short:   "Bridge a chat platform to the daemon",
	RunE:    requireSubcommand,
	Long: `Bridge a chat platform to the daemon.

The daemon only ever sends through an adapter port; receiving is the job
of an external bridge process, a bot speaking the actual platform. These
commands are that bridge's entry points.`,
}

var adapterInboundCmd = &cobra.Command{
	Use:   "inbound <text...>",
	Short: "Route one received platform message",
	Long: `Hand one received chat message to the daemon for routing.

Heartbeat lines update the computer presence table. Messages authored by
this computer's own bot handle are dropped as echoes. Anything else is
typed into the pane of the live session bound to the topic; messages on
topics nobody is bound to are ignored.

Examples:
  telec adapter inbound --topic 12345 --sender @alice "show me the diff"
  telec adapter inbound --topic "tower > laptop - api review" "[Chunk 1/2] ..."`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAdapterInbound,
}

var (
	adapterInboundAdapter string
	adapterInboundTopic   string
	adapterInboundSender  string
)

func init() {
	adapterCmd.AddCommand(adapterInboundCmd)

	adapterInboundCmd.Flags().StringVar(&adapterInboundAdapter, "adapter", "", "Adapter the message arrived on (default: configured adapter)")
	adapterInboundCmd.Flags().StringVar(&adapterInboundTopic, "topic", "", "Topic the message arrived on")
	adapterInboundCmd.Flags().StringVar(&adapterInboundSender, "sender", "", "Platform handle of the message author")

	rootCmd.AddCommand(adapterCmd)
}

func runAdapterInbound(cmd *cobra.Command, args []string) error {
	if adapterInboundTopic == "" {
		return fmt.Errorf("--topic is required")
	}
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return fmt.Errorf("no message text given")
	}

	var res protocol.AdapterInboundResult
	err := daemonClient().Call(protocol.OpAdapterInbound, protocol.AdapterInboundParams{
		Adapter: adapterInboundAdapter,
		Topic:   adapterInboundTopic,
		Sender:  adapterInboundSender,
		Text:    text,
	}, &res)
	if err != nil {
		return daemonUnreachable(err)
	}

	switch {
	case res.Heartbeat:
		fmt.Printf("%s Heartbeat folded into the presence table\n", style.SuccessPrefix)
	case res.Delivered:
		fmt.Printf("%s Routed to session %s\n", style.SuccessPrefix, shortID(res.SessionID))
	default:
		fmt.Println("Not routed: own echo, or no session bound to the topic.")
	}
	return nil
}
