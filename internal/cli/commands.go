package cli

import (
	"fmt"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	apperrors "vpnonboard/internal/errors"
	"vpnonboard/internal/vless"
	"vpnonboard/internal/xui"
)

var (
	flagEmail        string
	flagUUID         string
	flagFlow         string
	flagLabel        string
	flagTemplateLink string
	flagTemplateFile string
	flagServer       string
	flagSNI          string
	flagSID          string
	flagPBK          string
	flagFP           string
	flagNetType      string
	flagQRFile       string
	flagPrintLink    bool

	flagRemoveEmails []string
	flagRemoveUUIDs  []string
	flagForce        bool
)

func init() {
	f := addClientCmd.Flags()
	f.StringVar(&flagEmail, "email", "", "client email / identity (required)")
	f.StringVar(&flagUUID, "uuid", "", "client UUID (minted when omitted)")
	f.StringVar(&flagFlow, "flow", "xtls-rprx-vision", "flow parameter for the client")
	f.StringVar(&flagLabel, "label", "", "display label for the share link (defaults to email)")
	f.StringVar(&flagTemplateLink, "template-link", "", "reference vless:// link to clone")
	f.StringVar(&flagTemplateFile, "template-file", "", "file containing the reference vless:// link")
	f.StringVar(&flagServer, "server", "", "public server host for the link")
	f.StringVar(&flagSNI, "sni", "", "REALITY server name (explicit link construction)")
	f.StringVar(&flagSID, "sid", "", "REALITY short id")
	f.StringVar(&flagPBK, "pbk", "", "REALITY public key")
	f.StringVar(&flagFP, "fp", "chrome", "TLS fingerprint")
	f.StringVar(&flagNetType, "type", "tcp", "transport type")
	f.StringVar(&flagQRFile, "qr", "", "write the share link as a QR PNG to this path")
	f.BoolVar(&flagPrintLink, "print-link", false, "print only the share link instead of the JSON result")

	rf := removeClientsCmd.Flags()
	rf.StringArrayVar(&flagRemoveEmails, "email", nil, "email to remove (repeatable)")
	rf.StringArrayVar(&flagRemoveUUIDs, "uuid", nil, "UUID to remove (repeatable)")
	rf.BoolVar(&flagForce, "force", false, "succeed even when nothing matches")
}

// addResult is add-client's JSON output.
type addResult struct {
	UUID      string `json:"uuid"`
	Email     string `json:"email"`
	InboundID int    `json:"inbound_id"`
	Link           string `json:"link,omitempty"`
	LinkError      string `json:"link_error,omitempty"`
	Traffic        bool   `json:"traffic_row_created"`
	TrafficWarning string `json:"traffic_warning,omitempty"`
}

var addClientCmd = &cobra.Command{
	Use:   "add-client",
	Short: "Add a client to an inbound and print its share link",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagEmail == "" {
			return fmt.Errorf("--email is required: %w", apperrors.ErrInvalidInput)
		}
		sel, err := selector()
		if err != nil {
			return err
		}

		// Resolve the template before writing anything: a bad template should
		// fail the run, not leave a half-provisioned client behind.
		tpl, err := resolveTemplate()
		if err != nil {
			return err
		}

		return withStore(cmd, func(store *xui.SQLiteStore) error {
			inb, err := store.LoadInbound(sel)
			if err != nil {
				return err
			}
			id := flagUUID
			if id == "" {
				id = uuid.NewString()
			}
			client, err := store.AddClient(inb, xui.Client{ID: id, Email: flagEmail, Flow: flagFlow})
			if err != nil {
				return err
			}

			out := addResult{UUID: client.ID, Email: client.Email, InboundID: inb.ID}
			out.Traffic, err = store.EnsureTrafficRow(inb, *client)
			if err != nil {
				out.TrafficWarning = fmt.Sprintf("traffic row: %v", err)
			}

			out.Link, out.LinkError = renderLink(tpl, inb, client.ID)
			if out.Link != "" && flagQRFile != "" {
				if qerr := qrcode.WriteFile(out.Link, qrcode.Medium, 256, flagQRFile); qerr != nil {
					out.LinkError = fmt.Sprintf("qr: %v", qerr)
				}
			}
			if flagPrintLink {
				if out.Link == "" {
					return fmt.Errorf("no link rendered: %s", out.LinkError)
				}
				fmt.Println(out.Link)
				return nil
			}
			return emit(out)
		})
	},
}

// resolveTemplate loads and validates the reference link if one was given.
// Returns nil when the user wants explicit construction (or no link at all).
func resolveTemplate() (*vless.Template, error) {
	if flagTemplateLink == "" && flagTemplateFile == "" {
		return nil, nil
	}
	raw, err := vless.LoadTemplateLink(flagTemplateFile, flagTemplateLink)
	if err != nil {
		return nil, err
	}
	tpl, err := vless.ParseTemplate(raw)
	if err != nil {
		return nil, err
	}
	if err := tpl.RequireComplete(); err != nil {
		return nil, err
	}
	return tpl, nil
}

// renderLink produces the share link: clone the template when present, build
// from explicit flags otherwise. REALITY parameters missing from the flags
// are filled from the inbound's own stream settings. No usable inputs yields
// an empty link plus a reason, not a failure, since the client is already
// stored.
func renderLink(tpl *vless.Template, inb *xui.Inbound, clientID string) (link, linkErr string) {
	label := flagLabel
	if label == "" {
		label = flagEmail
	}
	if tpl != nil {
		l, err := tpl.Clone(clientID, flagServer, inb.Port, label)
		if err != nil {
			return "", err.Error()
		}
		return l, ""
	}
	sni, pbk, sid := flagSNI, flagPBK, flagSID
	dsni, dpbk, dsid := realityDefaults(inb)
	if sni == "" {
		sni = dsni
	}
	if pbk == "" {
		pbk = dpbk
	}
	if sid == "" {
		sid = dsid
	}
	if pbk != "" && sni != "" && sid != "" && flagServer != "" {
		return vless.Build(vless.BuildParams{
			Server:   flagServer,
			Port:     inb.Port,
			ClientID: clientID,
			Label:    label,
			Flow:     flagFlow,
			SNI:      sni,
			SID:      sid,
			PBK:      pbk,
			FP:       flagFP,
			Type:     flagNetType,
		}), ""
	}
	return "", "no template or complete explicit parameters; link not rendered"
}

// realityDefaults pulls the REALITY link parameters out of the inbound's
// stream settings, so explicit flags are only needed when the panel row lacks
// them. Forks nest publicKey either at the top level or under settings.
func realityDefaults(inb *xui.Inbound) (sni, pbk, sid string) {
	r, ok := inb.RealitySettings()
	if !ok {
		return
	}
	if names, ok := r["serverNames"].([]any); ok && len(names) > 0 {
		sni, _ = names[0].(string)
	}
	if ids, ok := r["shortIds"].([]any); ok && len(ids) > 0 {
		sid, _ = ids[0].(string)
	}
	if nested, ok := r["settings"].(map[string]any); ok {
		pbk, _ = nested["publicKey"].(string)
	}
	if v, ok := r["publicKey"].(string); ok && pbk == "" {
		pbk = v
	}
	return
}

var removeClientsCmd = &cobra.Command{
	Use:   "remove-clients",
	Short: "Remove clients from an inbound by email or UUID",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(flagRemoveEmails) == 0 && len(flagRemoveUUIDs) == 0 {
			return fmt.Errorf("provide at least one --email or --uuid: %w", apperrors.ErrInvalidInput)
		}
		sel, err := selector()
		if err != nil {
			return err
		}
		return withStore(cmd, func(store *xui.SQLiteStore) error {
			inb, err := store.LoadInbound(sel)
			if err != nil {
				return err
			}
			res, err := store.RemoveClients(inb, xui.RemovalRequest{
				Emails: flagRemoveEmails,
				UUIDs:  flagRemoveUUIDs,
				Force:  flagForce,
			})
			if err != nil {
				return err
			}
			return emit(res)
		})
	},
}

var syncTrafficCmd = &cobra.Command{
	Use:   "sync-traffic",
	Short: "Backfill missing traffic rows for every client of an inbound",
	RunE: func(cmd *cobra.Command, args []string) error {
		sel, err := selector()
		if err != nil {
			return err
		}
		return withStore(cmd, func(store *xui.SQLiteStore) error {
			res, err := store.SyncTraffic(sel)
			if err != nil {
				return err
			}
			return emit(res)
		})
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the resolved panel database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := xui.OpenStore(flagDB, nil)
		if err != nil {
			return err
		}
		defer store.Close()
		return emit(store.Capabilities())
	},
}
