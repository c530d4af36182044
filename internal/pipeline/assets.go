package pipeline

import (
	"context"

	"github.com/google/uuid"

	"loreline/internal/llm"
	"loreline/internal/protocol"
	"loreline/internal/queue"
)

// RequestAsset queues an image for a world entity.
func (p *Pipeline) RequestAsset(ctx context.Context, r queue.AssetRequest) (queue.Item, error) {
	return p.enqueue(ctx, queue.AssetGeneration, queue.NewItem{
		WorldID:       r.WorldID,
		CorrelationID: uuid.NewString(),
		Payload:       r,
	})
}

func (p *Pipeline) handleAsset(ctx context.Context, it queue.Item) error {
	var r queue.AssetRequest
	if err := it.Decode(&r); err != nil {
		return err
	}
	if p.Images == nil {
		return llm.ErrUnavailable
	}
	img, err := p.Images.Generate(ctx, llm.ImageRequest{EntityType: r.EntityType, EntityID: r.EntityID, Prompt: r.Prompt})
	if err != nil {
		return err
	}
	p.sendDM(r.WorldID, protocol.New(protocol.TypeAssetGenerated, protocol.AssetGeneratedMsg{
		RequestID:  it.CorrelationID,
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		AssetURL:   img.URL,
	}))
	return nil
}
