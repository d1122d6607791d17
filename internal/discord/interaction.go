package discord

import (
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/yanizio/rankbot/internal/command"
)

func (g *Gateway) onInteraction(s *discordgo.Session, e *discordgo.InteractionCreate) {
	in, ok := toInteraction(e)
	if !ok {
		return
	}
	h := g.hooked()
	if h.Dispatcher == nil {
		return
	}
	reply, err := h.Dispatcher.Dispatch(g.ctx, in)
	if err != nil {
		reply = command.ErrorReply(in, err)
	}
	if err := s.InteractionRespond(e.Interaction, toResponse(reply), discordgo.WithContext(g.ctx)); err != nil {
		zap.L().Warn("interaction response failed", zap.String("command", in.Name), zap.Error(err))
	}
}

// toInteraction maps a slash-command invocation.  Other interaction types
// are ignored.
func toInteraction(e *discordgo.InteractionCreate) (*command.Interaction, bool) {
	if e.Interaction == nil || e.Type != discordgo.InteractionApplicationCommand {
		return nil, false
	}
	data := e.ApplicationCommandData()
	in := &command.Interaction{
		Name:      data.Name,
		GuildID:   e.GuildID,
		ChannelID: e.ChannelID,
		Options:   make(map[string]string, len(data.Options)),
	}
	switch {
	case e.Member != nil && e.Member.User != nil:
		in.UserID = e.Member.User.ID
		m := toMember(e.GuildID, e.Member)
		m.UserID = in.UserID
		in.Member = &m
	case e.User != nil:
		in.UserID = e.User.ID
	default:
		return nil, false
	}
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			in.Options[opt.Name] = opt.StringValue()
		}
	}
	return in, true
}

func toResponse(r command.Reply) *discordgo.InteractionResponse {
	data := &discordgo.InteractionResponseData{
		Content:         r.Content,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if r.Ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	}
}

// toApplicationCommands declares every registered command.  All options are
// strings.
func toApplicationCommands(reg *command.Registry) []*discordgo.ApplicationCommand {
	var out []*discordgo.ApplicationCommand
	for _, c := range reg.Commands() {
		ac := &discordgo.ApplicationCommand{Name: c.Name, Description: c.Description}
		for _, o := range c.Options {
			ac.Options = append(ac.Options, &discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        o.Name,
				Description: o.Description,
				Required:    o.Required,
			})
		}
		out = append(out, ac)
	}
	return out
}

func registerCommands(s *discordgo.Session, appID string, reg *command.Registry) error {
	cmds := toApplicationCommands(reg)
	_, err := s.ApplicationCommandBulkOverwrite(appID, "", cmds)
	if err == nil {
		zap.L().Info("commands registered", zap.Int("count", len(cmds)))
	}
	return err
}
