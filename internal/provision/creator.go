package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	apperrors "vpnonboard/internal/errors"
	"vpnonboard/internal/xui"
)

// Identity is the outcome of a credential-creation step. UUID may be empty
// when an external helper's structured output is missing; the provisioner's
// recovery chain then takes over, with RawOutput as its input.
type Identity struct {
	UUID      string
	SubID     string
	Link      string // share link the creator already rendered, if any
	RawOutput string // raw helper output, kept for diagnostics and UUID recovery
	Warning   string // non-fatal trouble (e.g. traffic backfill failed)
}

// Creator performs the low-level credential creation for an email. It runs
// under the store lock; implementations must be synchronous and bounded.
type Creator interface {
	Create(ctx context.Context, email string) (*Identity, error)
}

// StoreCreator mints credentials directly in the credential store: a fresh
// UUID appended to the inbound's client list, plus a best-effort traffic-row
// backfill so panel UIs show the client.
type StoreCreator struct {
	Store    xui.Store
	Selector xui.Selector
	Flow     string
}

// Create implements Creator.
func (c *StoreCreator) Create(ctx context.Context, email string) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inb, err := c.Store.LoadInbound(c.Selector)
	if err != nil {
		return nil, err
	}
	client, err := c.Store.AddClient(inb, xui.Client{
		ID:    uuid.NewString(),
		Email: email,
		Flow:  c.Flow,
	})
	if err != nil {
		return nil, err
	}

	out := &Identity{UUID: client.ID, SubID: client.SubID}
	if _, err := c.Store.EnsureTrafficRow(inb, *client); err != nil {
		// The client exists; a missing accounting row only hides it from
		// some UIs. Report, don't fail.
		out.Warning = fmt.Sprintf("traffic row backfill failed: %v", err)
	}
	return out, nil
}

// ExecCreator delegates creation to an external helper script (the original
// deployment's create-user shell pipeline). The helper's contract is not
// fully trusted: its structured JSON result is authoritative when present,
// and the provisioner recovers the UUID through degraded paths when it is not.
type ExecCreator struct {
	Script       string
	DBPath       string
	Server       string
	InboundPort  int
	Flow         string
	TemplateLink string
	OutputDir    string
	Timeout      time.Duration
}

// creatorResult is the helper's JSON output shape.
type creatorResult struct {
	ID        string `json:"id"`
	SubID     string `json:"sub_id"`
	VlessLink string `json:"vless_link"`
}

// Create implements Creator. A timeout or non-zero exit is a CreationError
// carrying the tail of the raw output; it is never retried automatically,
// since the helper may have partially applied its mutation.
func (c *ExecCreator) Create(ctx context.Context, email string) (*Identity, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The email is attacker-supplied; escape it so path separators cannot
	// point the output file outside OutputDir.
	outFile := filepath.Join(c.OutputDir, "client-pack-"+url.PathEscape(email)+".txt")
	if err := os.MkdirAll(c.OutputDir, 0o755); err != nil {
		return nil, &apperrors.CreationError{Err: err}
	}

	cmd := exec.CommandContext(ctx, "bash", c.Script,
		"--email", email,
		"--server", c.Server,
		"--inbound-port", strconv.Itoa(c.InboundPort),
		"--flow", c.Flow,
		"--template-vless-link", c.TemplateLink,
		"--out", outFile,
		"--db", c.DBPath,
	)
	raw, err := cmd.CombinedOutput()
	output := apperrors.TailOf(string(raw), 700)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, &apperrors.CreationError{
			Output: output,
			Err:    fmt.Errorf("timed out after %s", timeout),
		}
	}
	if err != nil {
		return nil, &apperrors.CreationError{Output: output, Err: err}
	}

	id := &Identity{RawOutput: output}
	if data, rerr := os.ReadFile(outFile + ".json"); rerr == nil {
		var res creatorResult
		if jerr := json.Unmarshal(data, &res); jerr == nil {
			id.UUID = xui.NormalizeUUID(res.ID)
			id.SubID = res.SubID
			id.Link = res.VlessLink
		}
	}
	return id, nil
}
