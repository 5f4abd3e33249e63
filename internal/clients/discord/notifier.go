package discord

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/capi"
	"github.com/stellarbot/stellar/internal/config"
	"github.com/stellarbot/stellar/internal/depots"
	"github.com/stellarbot/stellar/internal/tasks"
)

// Sender is the REST surface the notifier needs. *Client satisfies it;
// tests substitute a recorder.
type Sender interface {
	SendChannelMessage(ctx context.Context, channelID int64, msg Message) (int64, error)
	SendDM(ctx context.Context, userID int64, msg Message) error
}

// Notifier formats and routes engine notifications: restocks to the restock
// channel pinging haulers, rescues to the rescue channel pinging the rescue
// crew, owner nags as DMs.
type Notifier struct {
	sender Sender
	cfg    config.Discord
	log    zerolog.Logger
}

// NewNotifier creates the guild notifier.
func NewNotifier(sender Sender, cfg config.Discord, log zerolog.Logger) *Notifier {
	return &Notifier{
		sender: sender,
		cfg:    cfg,
		log:    log.With().Str("client", "notifier").Logger(),
	}
}

// AnnounceTask posts a new task to its channel and returns the message id.
func (n *Notifier) AnnounceTask(ctx context.Context, task *tasks.Task, depot *depots.Depot) (int64, error) {
	channel, role := n.route(task.Variant)

	var content string
	switch task.Variant {
	case tasks.VariantRestock:
		content = fmt.Sprintf("<@&%d> %s in %s needs **%s t** of tritium (selling at %d cr/t).",
			role, depotName(depot, task), task.SystemName, formatTonnage(task.Required), task.SellPrice)
	case tasks.VariantCarrierRescue:
		content = fmt.Sprintf("<@&%d> carrier %s is stranded in %s and needs **%s t** of tritium.",
			role, depotName(depot, task), task.SystemName, formatTonnage(task.Tritium))
	default:
		content = fmt.Sprintf("<@&%d> commander <@%d> needs a pickup in %s.",
			role, task.ClientID, task.SystemName)
	}

	msgID, err := n.sender.SendChannelMessage(ctx, channel, Message{
		Content:         content,
		AllowedMentions: &AllowedMentions{Roles: []string{fmt.Sprintf("%d", role)}},
	})
	if err != nil {
		return 0, err
	}
	n.log.Info().Str("task_id", task.ID).Int64("message_id", msgID).Msg("Task announced")
	return msgID, nil
}

// ReviveTask re-announces a neglected task. Pending tasks ping the crew
// role again; underway tasks ping the haulers who claimed them.
func (n *Notifier) ReviveTask(ctx context.Context, task *tasks.Task, depot *depots.Depot) error {
	channel, role := n.route(task.Variant)

	var msg Message
	if len(task.Assignees) == 0 {
		msg = Message{
			Content: fmt.Sprintf("<@&%d> still looking for haulers: %s in %s.",
				role, depotName(depot, task), task.SystemName),
			AllowedMentions: &AllowedMentions{Roles: []string{fmt.Sprintf("%d", role)}},
		}
	} else {
		mentions := make([]string, 0, len(task.Assignees))
		content := "any progress on " + depotName(depot, task) + "?"
		for _, id := range task.Assignees {
			mentions = append(mentions, fmt.Sprintf("%d", id))
			content = fmt.Sprintf("<@%d> ", id) + content
		}
		msg = Message{
			Content:         content,
			AllowedMentions: &AllowedMentions{Users: mentions},
		}
	}

	_, err := n.sender.SendChannelMessage(ctx, channel, msg)
	return err
}

// MarketWarning advises the owner by DM that their market data is ageing.
func (n *Notifier) MarketWarning(ctx context.Context, depot *depots.Depot) error {
	return n.sender.SendDM(ctx, depot.OwnerDiscordID, Message{
		Content: fmt.Sprintf("Market data for **%s** is getting old. Open your carrier's commodity market (or relog) so it refreshes before it expires.", depot.Name()),
	})
}

// MarketAlert nags the owner by DM that their market data has expired.
func (n *Notifier) MarketAlert(ctx context.Context, depot *depots.Depot) error {
	return n.sender.SendDM(ctx, depot.OwnerDiscordID, Message{
		Content: fmt.Sprintf("Market data for **%s** has expired and the network can no longer see its stock. Please update it, or the depot will be treated as dark.", depot.Name()),
	})
}

// CapiFollowup nags a commander whose credential link has lapsed.
func (n *Notifier) CapiFollowup(ctx context.Context, link *capi.Link) error {
	return n.sender.SendDM(ctx, link.DiscordID, Message{
		Content: fmt.Sprintf("CMDR %s, your account link has expired and markets are no longer syncing automatically. Please re-authenticate.", link.Commander),
	})
}

// OwnerNotice delivers a free-form owner notification.
func (n *Notifier) OwnerNotice(ctx context.Context, depot *depots.Depot, message string) error {
	return n.sender.SendDM(ctx, depot.OwnerDiscordID, Message{
		Content: fmt.Sprintf("**%s**: %s", depot.Name(), message),
	})
}

func (n *Notifier) route(variant tasks.Variant) (channelID, roleID int64) {
	if variant.Rescue() {
		return n.cfg.RescueChannelID, n.cfg.RescueRoleID
	}
	return n.cfg.RestockChannelID, n.cfg.HaulerRoleID
}

func depotName(depot *depots.Depot, task *tasks.Task) string {
	if depot != nil {
		return fmt.Sprintf("**%s** (%s)", depot.Name(), depot.Callsign)
	}
	return "**" + task.DepotCallsign + "**"
}

func formatTonnage(t int) string {
	if t >= 1000 {
		return fmt.Sprintf("%d,%03d", t/1000, t%1000)
	}
	return fmt.Sprintf("%d", t)
}
