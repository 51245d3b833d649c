package gossip

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrrelay/sdk/gossipstore"
)

// ListKindNIP65Event and ListKindNIP17Event are the event kinds carrying
// the relay lists the gossip store tracks.
const (
	ListKindNIP65Event = gossipstore.ListKindNIP65
	ListKindNIP17Event = gossipstore.ListKindNIP17
)

// IngestListEvent absorbs a kind 10002 (NIP-65) or kind 10050 (NIP-17
// private-message relay list) event into store. Each list kind keeps its
// own created_at watermark; only a strictly newer event replaces a list.
func IngestListEvent(ctx context.Context, store gossipstore.Store, evt *nostr.Event) error {
	rec, ok, err := store.GetAuthor(ctx, evt.PubKey)
	if err != nil {
		return err
	}
	if !ok {
		rec = gossipstore.AuthorRecord{PubKey: evt.PubKey}
	}

	switch evt.Kind {
	case ListKindNIP65Event:
		if int64(evt.CreatedAt) <= rec.LastNIP65At {
			return nil
		}
		var write, read []gossipstore.RelaySelection
		for _, tag := range evt.Tags {
			if len(tag) < 2 || tag[0] != "r" {
				continue
			}
			url := tag[1]
			marker := ""
			if len(tag) >= 3 {
				marker = tag[2]
			}
			switch marker {
			case "write":
				write = append(write, gossipstore.RelaySelection{URL: url})
			case "read":
				read = append(read, gossipstore.RelaySelection{URL: url})
			default:
				write = append(write, gossipstore.RelaySelection{URL: url})
				read = append(read, gossipstore.RelaySelection{URL: url})
			}
		}
		rec.Write = write
		rec.Read = read
		rec.LastNIP65At = int64(evt.CreatedAt)
	case ListKindNIP17Event:
		if int64(evt.CreatedAt) <= rec.LastNIP17At {
			return nil
		}
		var pm []gossipstore.RelaySelection
		for _, tag := range evt.Tags {
			if len(tag) < 2 || tag[0] != "relay" {
				continue
			}
			pm = append(pm, gossipstore.RelaySelection{URL: tag[1]})
		}
		rec.PrivateMessage = pm
		rec.LastNIP17At = int64(evt.CreatedAt)
	default:
		return nil
	}

	return store.PutAuthor(ctx, rec)
}

// IngestHint records a relay URL observed as a tag hint for pubkey (e.g.
// the 3rd element of a "p" tag pointing at a relay that likely carries
// that author's events).
func IngestHint(ctx context.Context, store gossipstore.Store, pubkey, relayURL string) error {
	rec, ok, err := store.GetAuthor(ctx, pubkey)
	if err != nil {
		return err
	}
	if !ok {
		rec = gossipstore.AuthorRecord{PubKey: pubkey}
	}
	for _, sel := range rec.Hints {
		if sel.URL == relayURL {
			return nil
		}
	}
	rec.Hints = append(rec.Hints, gossipstore.RelaySelection{URL: relayURL, Hint: true})
	return store.PutAuthor(ctx, rec)
}
