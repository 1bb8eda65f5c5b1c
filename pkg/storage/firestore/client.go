package firestore

import (
	"cloud.google.com/go/firestore"

	shared "github.com/clipforge/server/pkg"
	"github.com/clipforge/server/pkg/types"
)

type Client struct {
	fs *firestore.Client
}

func NewClient(client *firestore.Client) *Client {
	return &Client{fs: client}
}

func (c *Client) Close() error {
	return c.fs.Close()
}

// Raw exposes the underlying client for transactions.
func (c *Client) Raw() *firestore.Client {
	return c.fs
}

func (c *Client) Streams() *Collection[types.Stream] {
	return &Collection[types.Stream]{
		Ref:           c.fs.Collection(shared.CollectionStreams),
		ToFirestore:   StreamToFirestore,
		FromFirestore: FirestoreToStream,
	}
}

// Chunks is a top-level collection queried by stream_id.
func (c *Client) Chunks() *Collection[types.Chunk] {
	return &Collection[types.Chunk]{
		Ref:           c.fs.Collection(shared.CollectionChunks),
		ToFirestore:   ChunkToFirestore,
		FromFirestore: FirestoreToChunk,
	}
}

func (c *Client) Clips() *Collection[types.Clip] {
	return &Collection[types.Clip]{
		Ref:           c.fs.Collection(shared.CollectionClips),
		ToFirestore:   ClipToFirestore,
		FromFirestore: FirestoreToClip,
	}
}

// StageCounters holds one barrier document per stream and stage: stage_counters/{streamId}_{stage}
func (c *Client) StageCounters() *Collection[types.StageCounter] {
	return &Collection[types.StageCounter]{
		Ref:           c.fs.Collection(shared.CollectionStageCounters),
		ToFirestore:   StageCounterToFirestore,
		FromFirestore: FirestoreToStageCounter,
	}
}
