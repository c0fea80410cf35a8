package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"feedwarden/internal/domain"
	"feedwarden/internal/filter"
	"feedwarden/internal/markdown"
	"feedwarden/internal/subscription"
)

const helpText = `🤖 *Welcome to Feedwarden\!*

I watch RSS/Atom feeds and notify you about new items, with per\-feed
deduplication and cooldown throttling\.

– /start — register
– /stop — unregister and delete ALL your data
– /add URL… — follow feeds \(plain pages are probed for advertised feeds\)
– /remove ID… — unfollow feeds by id from /list
– /list — your feeds and their settings
– /filter word… — only titles containing one of the words get through
  \(/filter off clears, /filter shows the current list\)
– /cooldown 30m — minimum quiet time between notifications per feed
– /category name 15m word… — create a category with its own cooldown and
  filter words
– /category assign name ID… — put feeds into a category`

const notRegisteredText = "Please register with /start before sending this command\\."

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) error {
	text := strings.TrimSpace(message.Text)
	chatID := message.Chat.ID
	userID := message.From.ID

	command, args := splitCommand(text)

	switch command {
	case "/start":
		return b.handleStart(ctx, chatID, userID, message.From)
	case "/stop":
		return b.handleStop(ctx, chatID, userID)
	case "/help":
		return b.reply(chatID, helpText)
	}

	if !b.index.Registered(userID) {
		return b.reply(chatID, notRegisteredText)
	}

	switch command {
	case "/add":
		return b.handleAdd(ctx, chatID, userID, args)
	case "/remove":
		return b.handleRemove(ctx, chatID, userID, args)
	case "/list":
		return b.handleList(chatID, userID)
	case "/filter":
		return b.handleFilter(ctx, chatID, userID, args)
	case "/cooldown":
		return b.handleCooldown(ctx, chatID, userID, args)
	case "/category":
		return b.handleCategory(ctx, chatID, userID, args)
	default:
		return b.reply(chatID, helpText)
	}
}

func (b *Bot) handleStart(
	ctx context.Context,
	chatID int64,
	userID int64,
	from *tgbotapi.User,
) error {
	created, err := b.index.Register(ctx, userID, displayName(from))
	if err != nil {
		return b.replyJoined(chatID, "❌ Registration failed\\.",
			fmt.Errorf("register subscriber: %w", err))
	}

	if !created {
		return b.reply(chatID, "You're already registered\\!")
	}

	return b.reply(chatID, "✅ Thank you\\! Now you can add feeds with /add\\.")
}

func (b *Bot) handleStop(ctx context.Context, chatID int64, userID int64) error {
	err := b.index.Unregister(ctx, userID)

	switch {
	case errors.Is(err, subscription.ErrNotRegistered):
		return b.reply(chatID, "We haven't started anything yet 😜")
	case err != nil:
		return b.replyJoined(chatID, "❌ Failed\\.",
			fmt.Errorf("unregister subscriber: %w", err))
	}

	return b.reply(chatID, "It's painful to see you go\\. Godspeed\\!")
}

func (b *Bot) handleAdd(
	ctx context.Context,
	chatID int64,
	userID int64,
	args string,
) error {
	found, findErr := b.source.FindFeeds(ctx, args)

	if len(found) == 0 {
		var errs []error
		if findErr != nil {
			errs = append(errs, fmt.Errorf("find feeds: %w", findErr))
		}

		if err := b.reply(chatID, "✖️ No valid feeds found in your message\\."); err != nil {
			errs = append(errs, fmt.Errorf("send reply: %w", err))
		}

		return errors.Join(errs...)
	}

	feeds := make([]domain.Feed, 0, len(found))
	for _, f := range found {
		feeds = append(feeds, domain.Feed{URL: f.URL, Title: f.Title})
	}

	added, addErr := b.index.AddFeeds(ctx, userID, feeds)

	var errs []error
	if findErr != nil {
		errs = append(errs, fmt.Errorf("find feeds: %w", findErr))
	}
	if addErr != nil {
		errs = append(errs, fmt.Errorf("add feeds: %w", addErr))
	}

	var reply string
	switch {
	case added == 0 && len(errs) > 0:
		reply = "❌ Failed\\."
	case added == 0:
		reply = "✖️ You already follow these feeds\\."
	case len(errs) > 0:
		reply = fmt.Sprintf("⚠️ Partial success \\(%d added\\)\\.", added)
	default:
		reply = fmt.Sprintf("✅ Added %d feeds\\.", added)
		if added == 1 {
			reply = "✅ Added 1 feed\\."
		}
	}

	if err := b.reply(chatID, reply); err != nil {
		errs = append(errs, fmt.Errorf("send reply: %w", err))
	}

	return errors.Join(errs...)
}

func (b *Bot) handleRemove(
	ctx context.Context,
	chatID int64,
	userID int64,
	args string,
) error {
	ids, err := parseIDs(args)
	if err != nil || len(ids) == 0 {
		return b.reply(chatID, "✖️ Usage: /remove ID… \\(ids from /list\\)\\.")
	}

	removed := 0
	var errs []error

	for _, feedID := range ids {
		removeErr := b.index.RemoveFeed(ctx, userID, feedID)

		switch {
		case errors.Is(removeErr, subscription.ErrUnknownFeed):
			errs = append(errs, fmt.Errorf("feed %d is not in your list", feedID))
		case removeErr != nil:
			errs = append(errs, fmt.Errorf("remove feed %d: %w", feedID, removeErr))
		default:
			removed++
		}
	}

	reply := fmt.Sprintf("✅ Removed %d feeds\\.", removed)
	if removed == 0 {
		reply = "❌ Nothing was removed\\."
	}

	if err = b.reply(chatID, reply); err != nil {
		errs = append(errs, fmt.Errorf("send reply: %w", err))
	}

	return errors.Join(errs...)
}

func (b *Bot) handleList(chatID int64, userID int64) error {
	listings := b.index.Listings(userID)
	if len(listings) == 0 {
		return b.reply(chatID, "✖️ Feed list is empty\\. Add feeds with /add\\.")
	}

	var message strings.Builder
	message.WriteString(fmt.Sprintf("🔍 *Found %d feeds:*\n\n", len(listings)))

	for _, listing := range listings {
		title := strings.TrimSpace(listing.Feed.Title)
		if title == "" {
			title = listing.Feed.URL
		}

		message.WriteString(fmt.Sprintf(
			"%d\\. [%s](%s)",
			listing.Feed.ID,
			markdown.Escape(title),
			listing.Feed.URL,
		))

		if listing.Category != "" {
			message.WriteString(fmt.Sprintf(" — _%s_", markdown.Escape(listing.Category)))
		}

		message.WriteString("\n")
	}

	return b.reply(chatID, message.String())
}

func (b *Bot) handleFilter(
	ctx context.Context,
	chatID int64,
	userID int64,
	args string,
) error {
	sub, _ := b.index.Subscriber(userID)

	if args == "" {
		if len(sub.Whitelist) == 0 {
			return b.reply(chatID, "✖️ No filter words set; everything gets through\\.")
		}

		return b.reply(chatID, fmt.Sprintf(
			"🔎 Filter words: %s",
			markdown.Escape(strings.Join(sub.Whitelist, ", ")),
		))
	}

	var words []string
	if !strings.EqualFold(args, "off") {
		words = filter.Normalize(strings.Fields(args))
	}

	if err := b.index.SetWhitelist(ctx, userID, words); err != nil {
		return b.replyJoined(chatID, "❌ Failed\\.",
			fmt.Errorf("set whitelist: %w", err))
	}

	if len(words) == 0 {
		return b.reply(chatID, "✅ Filter cleared\\.")
	}

	return b.reply(chatID, fmt.Sprintf("✅ Filtering on %d words\\.", len(words)))
}

func (b *Bot) handleCooldown(
	ctx context.Context,
	chatID int64,
	userID int64,
	args string,
) error {
	cooldown, err := time.ParseDuration(strings.TrimSpace(args))
	if err != nil || cooldown < 0 {
		return b.reply(chatID, "✖️ Usage: /cooldown 30m \\(Go duration syntax\\)\\.")
	}

	if err = b.index.SetCooldown(ctx, userID, cooldown); err != nil {
		return b.replyJoined(chatID, "❌ Failed\\.",
			fmt.Errorf("set cooldown: %w", err))
	}

	return b.reply(chatID, fmt.Sprintf(
		"✅ Cooldown is now %s\\.",
		markdown.Escape(cooldown.String()),
	))
}

func (b *Bot) handleCategory(
	ctx context.Context,
	chatID int64,
	userID int64,
	args string,
) error {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return b.reply(chatID, "✖️ Usage: /category name 15m word… "+
			"or /category assign name ID…\\.")
	}

	if strings.EqualFold(fields[0], "assign") {
		return b.handleCategoryAssign(ctx, chatID, userID, fields[1:])
	}

	if len(fields) < 2 {
		return b.reply(chatID, "✖️ Usage: /category name 15m word…\\.")
	}

	cooldown, err := time.ParseDuration(fields[1])
	if err != nil || cooldown < 0 {
		return b.reply(chatID, "✖️ Second argument must be a duration, e\\.g\\. 15m\\.")
	}

	category := domain.Category{
		SubscriberID: userID,
		Name:         fields[0],
		Whitelist:    filter.Normalize(fields[2:]),
		Cooldown:     cooldown,
	}

	if err = b.index.UpsertCategory(ctx, category); err != nil {
		return b.replyJoined(chatID, "❌ Failed\\.",
			fmt.Errorf("upsert category: %w", err))
	}

	return b.reply(chatID, fmt.Sprintf(
		"✅ Category *%s* saved\\. Assign feeds with /category assign %s ID…",
		markdown.Escape(category.Name),
		markdown.Escape(category.Name),
	))
}

func (b *Bot) handleCategoryAssign(
	ctx context.Context,
	chatID int64,
	userID int64,
	fields []string,
) error {
	if len(fields) < 2 {
		return b.reply(chatID, "✖️ Usage: /category assign name ID…\\.")
	}

	ids, err := parseIDs(strings.Join(fields[1:], " "))
	if err != nil || len(ids) == 0 {
		return b.reply(chatID, "✖️ Feed ids must be numbers from /list\\.")
	}

	assigned, assignErr := b.index.AssignCategory(ctx, userID, fields[0], ids)

	switch {
	case errors.Is(assignErr, subscription.ErrUnknownCategory):
		return b.reply(chatID, "✖️ Unknown category\\. Create it first with /category\\.")
	case assignErr != nil:
		return b.replyJoined(
			chatID,
			fmt.Sprintf("⚠️ Partial success \\(%d assigned\\)\\.", assigned),
			fmt.Errorf("assign category: %w", assignErr),
		)
	}

	return b.reply(chatID, fmt.Sprintf("✅ Assigned %d feeds\\.", assigned))
}

func (b *Bot) reply(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	if _, err := b.rateLimiter.Send(msg); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	return nil
}

// replyJoined reports the underlying failure together with any failure to
// deliver the error reply itself.
func (b *Bot) replyJoined(chatID int64, text string, cause error) error {
	errs := []error{cause}

	if err := b.reply(chatID, text); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func splitCommand(text string) (string, string) {
	command, args, _ := strings.Cut(text, " ")

	// Commands may carry the bot mention, e.g. /list@feedwardenbot.
	command, _, _ = strings.Cut(command, "@")

	return command, strings.TrimSpace(args)
}

func parseIDs(args string) ([]int64, error) {
	var ids []int64

	for _, field := range strings.Fields(args) {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse id %q: %w", field, err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

func displayName(from *tgbotapi.User) string {
	if from == nil {
		return ""
	}

	name := strings.TrimSpace(from.FirstName + " " + from.LastName)
	if name == "" {
		name = strings.TrimSpace(from.UserName)
	}

	return name
}
