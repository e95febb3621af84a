// Package provision orchestrates minting one VPN credential per identity:
// duplicate check, creation, traffic backfill, and share-link rendering, all
// serialized by the store lock.
package provision

import (
	"context"
	"fmt"
	"regexp"
	"time"

	apperrors "vpnonboard/internal/errors"
	"vpnonboard/internal/lock"
	"vpnonboard/internal/vless"
	"vpnonboard/internal/xui"
)

// UUID recovery sources, most to least trusted. Anything but SourceCreator
// (or SourceExisting for the dedup path) means the creator's structured
// output was missing and a degraded path filled the gap.
const (
	SourceCreator     = "creator"
	SourceExisting    = "existing"
	SourceOutputScan  = "output-scan"
	SourceStoreLookup = "store-lookup"
)

var uuidRe = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// Provisioner mints credentials against one inbound of one store. All fields
// are injected at construction; there is no ambient state.
type Provisioner struct {
	Store    xui.Store
	Lock     *lock.FileLock
	Creator  Creator
	Template *vless.Template
	Selector xui.Selector

	// Server is the public host used in rendered links; empty falls back to
	// the template's host.
	Server   string
	LockWait time.Duration
}

// Result is the credential bundle returned to the delivery collaborator.
type Result struct {
	UUID           string `json:"uuid"`
	SubID          string `json:"sub_id,omitempty"`
	Link           string `json:"link,omitempty"`
	Reused         bool   `json:"reused"`
	UUIDSource     string `json:"uuid_source"`
	LinkWarning    string `json:"link_warning,omitempty"`
	TrafficWarning string `json:"traffic_warning,omitempty"`
}

// Provision mints (or reuses) the credential for an identity's email.
//
// Failure modes: a TemplateError before anything else happens, ErrLockTimeout
// when the store stays busy past the wait bound, a CreationError from the
// creator, and ErrLinkUnavailable as a partial success — the returned Result
// still carries the minted UUID so the caller can surface it.
func (p *Provisioner) Provision(ctx context.Context, email, label string) (*Result, error) {
	if p.Template == nil {
		return nil, &apperrors.TemplateError{Reason: "no template configured"}
	}
	if err := p.Template.RequireComplete(); err != nil {
		return nil, err
	}
	if label == "" {
		label = email
	}

	wait := p.LockWait
	if wait <= 0 {
		wait = 30 * time.Second
	}
	if err := p.Lock.Acquire(ctx, wait); err != nil {
		return nil, err
	}
	defer p.Lock.Release()

	// Dedup under the lock: a concurrent approval for the same identity sees
	// the first one's client here and must not mint again.
	if existing, found, err := p.Store.FindClient(p.Selector, email); err != nil {
		return nil, err
	} else if found {
		res := &Result{
			UUID:       xui.NormalizeUUID(existing.ID),
			SubID:      existing.SubID,
			Reused:     true,
			UUIDSource: SourceExisting,
		}
		return p.attachLink(res, label)
	}

	identity, err := p.Creator.Create(ctx, email)
	if err != nil {
		return nil, err
	}

	res := &Result{
		UUID:           identity.UUID,
		SubID:          identity.SubID,
		Link:           identity.Link,
		UUIDSource:     SourceCreator,
		TrafficWarning: identity.Warning,
	}

	// Recovery chain for a creator whose structured output went missing:
	// scrape the raw output, then look the client up in the store. Each step
	// labels the source so degraded recovery is visible to the operator.
	if res.UUID == "" {
		if m := uuidRe.FindString(identity.RawOutput); m != "" {
			res.UUID = xui.NormalizeUUID(m)
			res.UUIDSource = SourceOutputScan
		}
	}
	if res.UUID == "" || res.SubID == "" {
		if c, found, lerr := p.Store.FindClient(p.Selector, email); lerr == nil && found {
			if res.UUID == "" {
				res.UUID = xui.NormalizeUUID(c.ID)
				res.UUIDSource = SourceStoreLookup
			}
			if res.SubID == "" {
				res.SubID = c.SubID
			}
		}
	}
	if res.UUID == "" {
		return nil, &apperrors.CreationError{
			Output: identity.RawOutput,
			Err:    fmt.Errorf("creator returned no client UUID for %s", email),
		}
	}

	return p.attachLink(res, label)
}

// attachLink renders the share link: clone from the template first, explicit
// build as the fallback. Both failing is a partial success — the client
// exists, so the UUID is reported alongside ErrLinkUnavailable rather than
// discarded.
func (p *Provisioner) attachLink(res *Result, label string) (*Result, error) {
	if res.Link != "" {
		return res, nil
	}

	link, err := p.Template.Clone(res.UUID, p.Server, 0, label)
	if err != nil {
		res.LinkWarning = err.Error()
		t := p.Template
		server := p.Server
		if server == "" {
			server = t.Server
		}
		if server != "" && t.Port != 0 {
			link = vless.Build(vless.BuildParams{
				Server:   server,
				Port:     t.Port,
				ClientID: res.UUID,
				Label:    label,
				Flow:     t.Flow,
				SNI:      t.SNI,
				SID:      t.SID,
				PBK:      t.PBK,
				FP:       t.FP,
				Type:     t.Type,
			})
		}
	}
	if link == "" {
		if res.LinkWarning == "" {
			res.LinkWarning = "no server host or port available for link construction"
		}
		return res, fmt.Errorf("client %s created but link not rendered (%s): %w",
			res.UUID, res.LinkWarning, apperrors.ErrLinkUnavailable)
	}
	res.Link = link
	return res, nil
}
