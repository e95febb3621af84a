package server

import (
	"vpnonboard/internal/approval"
	"vpnonboard/internal/config"
	"vpnonboard/internal/packages"
	"vpnonboard/internal/provision"
	"vpnonboard/internal/vless"
)

// Bundle is everything the delivery side needs to hand a user: the minted
// credential, the rendered subscription and bridge URLs, per-app deep links,
// and the installer package for the requested platform.
type Bundle struct {
	RequestID   string `json:"request_id"`
	Platform    string `json:"platform"`
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name,omitempty"`

	provision.Result

	SubURL           string `json:"sub_url,omitempty"`
	ClashSubURL      string `json:"clash_sub_url,omitempty"`
	ClashBridgeURL   string `json:"clash_bridge_url,omitempty"`
	HiddifyBridgeURL string `json:"hiddify_bridge_url,omitempty"`

	KaringLink  string `json:"karing_link,omitempty"`
	ClashLink   string `json:"clash_link,omitempty"`
	HiddifyLink string `json:"hiddify_link,omitempty"`

	Package *packages.Record `json:"package,omitempty"`

	// Warnings collects non-fatal rendering problems. The credential is
	// already minted at this point, so a bad URL template degrades the bundle
	// instead of failing the approval.
	Warnings []string `json:"warnings,omitempty"`
}

// Delivery renders credential bundles from provisioning results.
type Delivery struct {
	Templates config.URLTemplates
	Packages  *packages.Map
	Server    string
	Port      int
}

// Assemble builds the delivery bundle for an approved request.
func (d *Delivery) Assemble(req *approval.Request, res *provision.Result) *Bundle {
	b := &Bundle{
		RequestID:   req.RequestID,
		Platform:    req.Platform,
		Identity:    req.Identity,
		DisplayName: req.DisplayName,
		Result:      *res,
	}

	bind := vless.StandardBindings(req.Identity, res.UUID, res.SubID, d.Server, d.Port)

	b.SubURL = d.render(b, d.Templates.SubURL, bind)
	if b.SubURL != "" {
		bind.WithSubURL(b.SubURL)
		name := req.DisplayName
		if name == "" {
			name = req.Identity
		}
		b.KaringLink = vless.KaringInstallLink(b.SubURL, name)
		b.HiddifyLink = vless.HiddifyImportLink(b.SubURL, name)
		b.HiddifyBridgeURL = d.render(b, d.Templates.HiddifyBridgeURL, bind)
	}

	b.ClashSubURL = d.render(b, d.Templates.ClashSubURL, bind)
	if b.ClashSubURL != "" {
		b.ClashLink = vless.ClashInstallLink(b.ClashSubURL)
		b.ClashBridgeURL = d.render(b, d.Templates.ClashBridgeURL, bind.With("clash_sub_url", b.ClashSubURL))
	}

	if d.Packages != nil {
		if rec, err := d.Packages.Get(req.Platform); err == nil {
			b.Package = rec
		}
	}
	return b
}

func (d *Delivery) render(b *Bundle, pattern string, bind vless.Bindings) string {
	out, err := vless.RenderURLTemplate(pattern, bind)
	if err != nil {
		b.Warnings = append(b.Warnings, err.Error())
		return ""
	}
	return out
}
