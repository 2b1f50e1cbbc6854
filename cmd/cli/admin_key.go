package cli

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/turtacn/cryptod/internal/application/dto"
	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/internal/infrastructure/crypto"
	"github.com/turtacn/cryptod/pkg/constants"
)

// newKeysCmd generates, uses and looks up signing keys of the tenant.
func newKeysCmd(e *env) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys",
	}
	keysCmd.AddCommand(newGenerateCmd(e), newSignCmd(e), newLookupCmd(e))
	return keysCmd
}

func newGenerateCmd(e *env) *cobra.Command {
	var category, alias, scheme, externalID string
	var fresh bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a key pair",
		Long: `Generate a key pair for the tenant. With --fresh a fresh ledger key is
generated, optionally bound to an external id; otherwise --alias is required.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req dto.Request
			if fresh {
				r := dto.GenerateFreshKeyRequest{Ctx: e.requestContext(), Scheme: scheme}
				if externalID != "" {
					r.ExternalID = &externalID
				}
				req = r
			} else {
				if alias == "" {
					return errors.New("--alias is required unless --fresh is set")
				}
				req = dto.GenerateKeyPairRequest{Ctx: e.requestContext(), Category: category, Alias: &alias, Scheme: scheme}
			}

			resp, err := e.process(cmd.Context(), req)
			if err != nil {
				return err
			}
			pub := resp.(*dto.PublicKeyResponse).PublicKey
			shortID, fullID := crypto.KeyIDs(pub)
			return printJSON(cmd, map[string]string{
				"id":        shortID,
				"fullId":    fullID,
				"publicKey": base64.StdEncoding.EncodeToString(pub),
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", constants.CategoryLedger, "key category")
	cmd.Flags().StringVar(&alias, "alias", "", "tenant scoped key alias")
	cmd.Flags().StringVar(&scheme, "scheme", constants.SchemeECDSASecp256r1, "key scheme code name")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "generate a fresh ledger key")
	cmd.Flags().StringVar(&externalID, "external-id", "", "external id of a fresh key")
	return cmd
}

func newSignCmd(e *env) *cobra.Command {
	var publicKey, alias, data, signatureName, digestName string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign data with a key given by public key or alias",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (publicKey == "") == (alias == "") {
				return errors.New("exactly one of --public-key and --alias is required")
			}
			spec := models.SignatureSpec{SignatureName: signatureName, CustomDigestName: digestName}
			withSpec := signatureName != ""
			rc := e.requestContext()

			var req dto.Request
			if alias != "" {
				if withSpec {
					req = dto.SignWithAliasSpecRequest{Ctx: rc, Alias: alias, Spec: spec, Data: []byte(data)}
				} else {
					req = dto.SignWithAliasRequest{Ctx: rc, Alias: alias, Data: []byte(data)}
				}
			} else {
				pub, err := base64.StdEncoding.DecodeString(publicKey)
				if err != nil {
					return fmt.Errorf("--public-key is not base64: %w", err)
				}
				if withSpec {
					req = dto.SignWithSpecRequest{Ctx: rc, PublicKey: pub, Spec: spec, Data: []byte(data)}
				} else {
					req = dto.SignRequest{Ctx: rc, PublicKey: pub, Data: []byte(data)}
				}
			}

			resp, err := e.process(cmd.Context(), req)
			if err != nil {
				return err
			}
			sig := resp.(*dto.SignatureResponse)
			return printJSON(cmd, map[string]string{
				"by":        base64.StdEncoding.EncodeToString(sig.By),
				"signature": base64.StdEncoding.EncodeToString(sig.Bytes),
			})
		},
	}
	cmd.Flags().StringVar(&publicKey, "public-key", "", "base64 DER public key of the signing key")
	cmd.Flags().StringVar(&alias, "alias", "", "alias of the signing key")
	cmd.Flags().StringVar(&data, "data", "", "data to sign")
	cmd.Flags().StringVar(&signatureName, "signature-name", "", "signature spec name, e.g. SHA256withECDSA")
	cmd.Flags().StringVar(&digestName, "digest", "", "custom digest of the signature spec")
	return cmd
}

func newLookupCmd(e *env) *cobra.Command {
	var ids, fullIDs []string
	var skip, take int
	var orderBy string
	var filter map[string]string
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Look up keys by id or by filter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rc := e.requestContext()
			var req dto.Request
			switch {
			case len(ids) > 0:
				req = dto.LookupByIDsRequest{Ctx: rc, IDs: ids}
			case len(fullIDs) > 0:
				req = dto.LookupByFullIDsRequest{Ctx: rc, FullIDs: fullIDs}
			default:
				req = dto.LookupRequest{Ctx: rc, Skip: skip, Take: take, OrderBy: orderBy, Filter: filter}
			}

			resp, err := e.process(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp.(*dto.SigningKeysResponse).Keys)
		},
	}
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "short key ids")
	cmd.Flags().StringSliceVar(&fullIDs, "full-ids", nil, "full key ids")
	cmd.Flags().IntVar(&skip, "skip", 0, "number of keys to skip")
	cmd.Flags().IntVar(&take, "take", 20, "maximum number of keys to return")
	cmd.Flags().StringVar(&orderBy, "order-by", "TIMESTAMP", "sort order")
	cmd.Flags().StringToStringVar(&filter, "filter", nil, "filters, e.g. category=LEDGER,alias=my-alias")
	return cmd
}

// newSchemesCmd lists the schemes the tenant can generate keys with.
func newSchemesCmd(e *env) *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "schemes",
		Short: "List the key schemes supported for the tenant and category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := e.process(cmd.Context(), dto.SupportedSchemesRequest{Ctx: e.requestContext(), Category: category})
			if err != nil {
				return err
			}
			return printJSON(cmd, resp.(*dto.SupportedSchemesResponse).Codes)
		},
	}
	cmd.Flags().StringVar(&category, "category", constants.CategoryLedger, "key category")
	return cmd
}
