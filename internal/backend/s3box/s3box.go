// Package s3box is the object-store I/O plane for ephemeral-VM backends:
// a per-agent inbox/outbox/sync/workspace key layout on a B2-compatible
// S3 bucket. The host writes inbox messages and drains the outbox; the VM
// side does the inverse.
package s3box

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nextlevelbuilder/nanoclaw/internal/agentio"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

// OutboxPollInterval is how often the host lists the agent's outbox.
const OutboxPollInterval = time.Second

// Box is one bucket with the agent key layout.
type Box struct {
	cli    *s3.Client
	bucket string
}

// New builds a Box from the B2 credentials in the cloud config.
func New(ctx context.Context, cc config.CloudConfig) (*Box, error) {
	if cc.B2Endpoint == "" || cc.B2KeyID == "" || cc.B2AppKey == "" || cc.B2Bucket == "" {
		return nil, errors.New("s3box: B2_ENDPOINT, B2_KEY_ID, B2_APP_KEY and B2_BUCKET are required")
	}
	region := cc.B2Region
	if region == "" {
		region = "us-west-004"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cc.B2KeyID, cc.B2AppKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("s3box config: %w", err)
	}
	cli := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cc.B2Endpoint)
		o.UsePathStyle = true
	})
	return &Box{cli: cli, bucket: cc.B2Bucket}, nil
}

// Key layout.
func inboxKey(agentID, msgID string) string  { return path.Join("inbox", agentID, msgID+".json") }
func outboxPrefix(agentID string) string     { return "outbox/" + agentID + "/" }
func syncKey(agentID, rel string) string     { return path.Join("sync", agentID, rel) }
func workspaceKey(agentID, rel string) string { return path.Join("workspace", agentID, rel) }

// InboxMessage is one host→agent message.
type InboxMessage struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Action string `json:"action,omitempty"`
}

// PutInbox appends a message to the agent's inbox. Message ids are
// nanosecond timestamps so the VM side drains them in send order.
func (b *Box) PutInbox(ctx context.Context, agentID string, msg InboxMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal inbox message: %w", err)
	}
	return b.put(ctx, inboxKey(agentID, fmt.Sprintf("%d", time.Now().UnixNano())), data)
}

// PutInput places the initial agent input as the first inbox object.
func (b *Box) PutInput(ctx context.Context, agentID string, input agentio.Input) error {
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal agent input: %w", err)
	}
	return b.put(ctx, inboxKey(agentID, "0-input"), data)
}

// ReadWorkspace fetches a workspace file.
func (b *Box) ReadWorkspace(ctx context.Context, agentID, rel string) ([]byte, error) {
	return b.get(ctx, workspaceKey(agentID, rel))
}

// WriteWorkspace stores a workspace file.
func (b *Box) WriteWorkspace(ctx context.Context, agentID, rel string, data []byte) error {
	return b.put(ctx, workspaceKey(agentID, rel), data)
}

// ListWorkspace returns the workspace-relative paths the agent has
// stored, in lexical order.
func (b *Box) ListWorkspace(ctx context.Context, agentID string) ([]string, error) {
	prefix := "workspace/" + agentID + "/"
	keys, err := b.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	rels := make([]string, 0, len(keys))
	for _, key := range keys {
		rels = append(rels, strings.TrimPrefix(key, prefix))
	}
	return rels, nil
}

// WriteSync stores a sync-plane file (IPC data mirrored to the VM).
func (b *Box) WriteSync(ctx context.Context, agentID, rel string, data []byte) error {
	return b.put(ctx, syncKey(agentID, rel), data)
}

// Cleanup deletes every object belonging to the agent.
func (b *Box) Cleanup(ctx context.Context, agentID string) error {
	var first error
	for _, prefix := range []string{
		"inbox/" + agentID + "/",
		outboxPrefix(agentID),
		"sync/" + agentID + "/",
		"workspace/" + agentID + "/",
	} {
		keys, err := b.list(ctx, prefix)
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		for _, key := range keys {
			if err := b.delete(ctx, key); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// DrainOutbox polls the agent's outbox at OutboxPollInterval, invoking
// onOutput per object in key order, until a terminal output arrives (an
// error, or a success with non-null result), the timeout elapses, or ctx
// is done. Objects are deleted after delivery.
func (b *Box) DrainOutbox(ctx context.Context, agentID string, timeout time.Duration, onOutput func(agentio.Output) error) (agentio.Output, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(OutboxPollInterval)
	defer ticker.Stop()

	var last *agentio.Output
	for {
		keys, err := b.list(ctx, outboxPrefix(agentID))
		if err != nil {
			return agentio.Output{}, err
		}
		for _, key := range keys {
			data, err := b.get(ctx, key)
			if err != nil {
				// Object may have expired between list and get.
				continue
			}
			var out agentio.Output
			if err := json.Unmarshal(data, &out); err != nil {
				out = agentio.ErrorOutput(fmt.Sprintf("invalid agent output JSON: %v", err))
			}
			if err := b.delete(ctx, key); err != nil {
				return agentio.Output{}, err
			}
			if onOutput != nil {
				if err := onOutput(out); err != nil {
					return out, fmt.Errorf("output consumer: %w", err)
				}
			}
			o := out
			last = &o
			if out.Terminal() {
				return out, nil
			}
		}
		if time.Now().After(deadline) {
			// Mirrors the idle-timeout rule: prior output means success.
			if last != nil {
				return agentio.Output{Status: "success", NewSessionID: last.NewSessionID}, nil
			}
			return agentio.ErrorOutput("agent timed out before producing output"), nil
		}
		select {
		case <-ctx.Done():
			return agentio.Output{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Box) put(ctx context.Context, key string, data []byte) error {
	_, err := b.cli.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

func (b *Box) get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.cli.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", key, err)
	}
	return data, nil
}

func (b *Box) delete(ctx context.Context, key string) error {
	_, err := b.cli.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

// list returns the keys under prefix in lexical order.
func (b *Box) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(b.cli, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}
