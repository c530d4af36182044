package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"loreline/internal/llm"
	"loreline/internal/protocol"
	"loreline/internal/queue"
	"loreline/internal/worldstate"
)

const (
	retryAfter      = time.Second
	promptHistory   = 8
	narratorSpeaker = "Narrator"
	systemActor     = "system"
)

const dialogueSystemPrompt = `You voice the non-player characters and the narrator of a shared tabletop world.
Answer the player's action in character, in two or three sentences. Stay consistent with
the recent conversation and honor the director's notes.`

// SubmitAction queues a player's action and returns the queued item.
func (p *Pipeline) SubmitAction(ctx context.Context, a queue.PlayerActionPayload) (queue.Item, error) {
	if st, ok := p.state(a.WorldID); ok {
		a.Turn = st.NextTurn()
	}
	return p.enqueue(ctx, queue.PlayerAction, queue.NewItem{
		WorldID:       a.WorldID,
		CorrelationID: uuid.NewString(),
		Payload:       a,
	})
}

// handlePlayerAction forwards an action to reasoning and checks whether it
// fired any narrative event.
func (p *Pipeline) handlePlayerAction(ctx context.Context, it queue.Item) error {
	var a queue.PlayerActionPayload
	if err := it.Decode(&a); err != nil {
		return err
	}
	_, err := p.enqueue(ctx, queue.Reasoning, queue.NewItem{
		WorldID:       a.WorldID,
		CorrelationID: it.CorrelationID,
		Priority:      it.Priority,
		Payload: queue.ReasoningRequest{
			Kind:         queue.ReasonPlayerAction,
			ActionItemID: it.ID,
			WorldID:      a.WorldID,
			PcID:         a.PcID,
			UserID:       a.UserID,
			ActionType:   a.ActionType,
			Target:       a.Target,
			Dialogue:     a.Dialogue,
		},
	})
	if err != nil {
		return queue.Retry(err, retryAfter)
	}
	p.CheckNarrative(ctx, a.WorldID, a.PcID, a.Dialogue)
	return nil
}

// CheckNarrative evaluates the world's active events for pcID and offers each
// one that fired for approval. Failures are logged; the caller's work stands.
func (p *Pipeline) CheckNarrative(ctx context.Context, worldID, pcID, dialogue string) int {
	if p.Narrative == nil || pcID == "" {
		return 0
	}
	matches, err := p.Narrative.Check(ctx, worldID, pcID, dialogue)
	if err != nil {
		p.logf("narrative check for %s: %v", pcID, err)
		return 0
	}
	st, ok := p.state(worldID)
	if !ok {
		return 0
	}
	for _, m := range matches {
		if appr, ok := st.Approval(m.ApprovalID); ok {
			if err := p.Offer(ctx, appr); err != nil {
				p.logf("offer narrative %s: %v", m.Event.ID, err)
			}
		}
	}
	return len(matches)
}

func (p *Pipeline) handleReasoning(ctx context.Context, it queue.Item) error {
	var r queue.ReasoningRequest
	if err := it.Decode(&r); err != nil {
		return err
	}
	switch r.Kind {
	case queue.ReasonPlayerAction:
		return p.reasonAction(ctx, it, r)
	case queue.ReasonOutcomeSuggestion:
		return p.reasonOutcome(ctx, r)
	case queue.ReasonStagingSuggestion:
		return p.reasonStaging(ctx, r)
	}
	return fmt.Errorf("unknown reasoning kind %q", r.Kind)
}

func (p *Pipeline) reasonAction(ctx context.Context, it queue.Item, r queue.ReasoningRequest) error {
	if p.Reasoner == nil {
		return llm.ErrUnavailable
	}
	speaker := p.speaker(ctx, r.WorldID, r.Target)
	reply, err := p.Reasoner.Complete(ctx, llm.Request{
		Purpose: llm.PurposeDialogue,
		System:  dialogueSystemPrompt,
		Prompt:  p.actionPrompt(r, speaker),
	})
	if err != nil {
		return err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return errors.New("empty reasoning reply")
	}
	if p.Queues.Cancelled(r.WorldID, it.CorrelationID) {
		p.logf("discarding reply for cancelled %s", it.CorrelationID)
		return nil
	}
	if st, ok := p.state(r.WorldID); ok && r.Dialogue != "" {
		st.AppendConversation(worldstate.ConversationEntry{At: p.now(), Speaker: r.UserID, PcID: r.PcID, Text: r.Dialogue})
	}
	if !p.Out.HasDM(r.WorldID) {
		p.deliverDialogue(r.WorldID, r.PcID, speaker, reply)
		return nil
	}
	_, err = p.enqueue(ctx, queue.Approval, queue.NewItem{
		WorldID:       r.WorldID,
		CorrelationID: it.CorrelationID,
		Priority:      it.Priority,
		Payload: queue.ApprovalPayload{
			Kind: queue.ApprovalPayloadRequest,
			Request: &queue.ApprovalRequest{
				WorldID:      r.WorldID,
				PcID:         r.PcID,
				Speaker:      speaker,
				ProposedText: reply,
				ActionItemID: r.ActionItemID,
			},
		},
	})
	if err != nil {
		return queue.Retry(err, retryAfter)
	}
	return nil
}

// speaker resolves an action target to an NPC name.
func (p *Pipeline) speaker(ctx context.Context, worldID, target string) string {
	if target == "" {
		return narratorSpeaker
	}
	npcs, err := p.Repo.ListNPCs(ctx, worldID)
	if err != nil {
		return narratorSpeaker
	}
	for _, n := range npcs {
		if n.ID == target || strings.EqualFold(n.Name, target) {
			return n.Name
		}
	}
	return narratorSpeaker
}

func (p *Pipeline) actionPrompt(r queue.ReasoningRequest, speaker string) string {
	var b strings.Builder
	if st, ok := p.state(r.WorldID); ok {
		writeNotes(&b, st.Directorial())
	}
	if lines := p.recent(r.WorldID, promptHistory); len(lines) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, l := range lines {
			b.WriteString("- " + l + "\n")
		}
	}
	fmt.Fprintf(&b, "Respond as: %s\n", speaker)
	fmt.Fprintf(&b, "Action: %s", r.ActionType)
	if r.Target != "" {
		fmt.Fprintf(&b, " (target %s)", r.Target)
	}
	b.WriteString("\n")
	if r.Dialogue != "" {
		fmt.Fprintf(&b, "Player says: %s\n", r.Dialogue)
	}
	if r.Guidance != "" {
		fmt.Fprintf(&b, "DM guidance: %s\n", r.Guidance)
	}
	return b.String()
}

func writeNotes(b *strings.Builder, n protocol.DirectorialNotes) {
	if n.Tone != "" {
		fmt.Fprintf(b, "Tone: %s\n", n.Tone)
	}
	if n.Pacing != "" {
		fmt.Fprintf(b, "Pacing: %s\n", n.Pacing)
	}
	if len(n.NpcMotivations) > 0 {
		names := make([]string, 0, len(n.NpcMotivations))
		for name := range n.NpcMotivations {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(b, "Motivation of %s: %s\n", name, n.NpcMotivations[name])
		}
	}
	if n.Notes != "" {
		fmt.Fprintf(b, "Director's notes: %s\n", n.Notes)
	}
}

// deliverDialogue broadcasts approved dialogue and records it in the history.
func (p *Pipeline) deliverDialogue(worldID, pcID, speaker, text string) {
	if st, ok := p.state(worldID); ok {
		st.AppendConversation(worldstate.ConversationEntry{At: p.now(), Speaker: speaker, PcID: pcID, Text: text})
	}
	p.Out.Broadcast(worldID, protocol.New(protocol.TypeDialogueResponse, protocol.DialogueResponseMsg{
		PcID: pcID, Speaker: speaker, Text: text,
	}))
}
