package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/gridauth/proxyvault/pkg/creds"
	"github.com/gridauth/proxyvault/pkg/creds/store"
	"github.com/gridauth/proxyvault/pkg/policy"
	"github.com/gridauth/proxyvault/pkg/protocol"
)

// Authorize applies the command's policy rules against the authenticated
// peer. It returns the stored credential when one exists for the key,
// and whether the peer matched a trusted-retriever policy, which lets
// retrieval proceed without further proof.
//
// For retrieval commands, renewal selects renewer policy instead of
// retriever policy; the key-retrieval command has its own policy tier.
// Storage and destruction require the accepted-credentials allow-list
// plus ownership of any existing record, so an identity cannot squat a
// username another identity already claimed.
func (s *vaultService) Authorize(ctx context.Context, peerDN string, cmd protocol.Command, username string, credname string, renewal bool) (creds.Credential, bool, error) {
	if username == "" {
		return creds.Credential{}, false, ErrEmptyUsername
	}

	switch cmd {
	case protocol.CmdGet, protocol.CmdRetrieveCert:
		c, err := s.repository.Retrieve(ctx, username, credname)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return creds.Credential{}, false, ErrCredNotFound
			}
			return creds.Credential{}, false, err
		}
		trusted := s.trustedRetriever(&c, peerDN)
		if trusted {
			return c, true, nil
		}
		if err := s.checkRetrieval(&c, peerDN, cmd, renewal); err != nil {
			return creds.Credential{}, false, err
		}
		return c, false, nil

	case protocol.CmdPut, protocol.CmdStoreCert, protocol.CmdDestroy:
		if !s.serverPolicy.AcceptedCredentials.Matches(peerDN) {
			return creds.Credential{}, false, fmt.Errorf("%w: identity not in accepted credentials", ErrNotAuthorized)
		}
		exists, err := s.repository.Exists(ctx, username, credname)
		if err != nil {
			return creds.Credential{}, false, err
		}
		if !exists {
			if cmd == protocol.CmdDestroy {
				return creds.Credential{}, false, ErrCredNotFound
			}
			return creds.Credential{}, false, nil
		}
		owner, err := s.repository.IsOwner(ctx, username, credname, peerDN)
		if err != nil {
			return creds.Credential{}, false, err
		}
		if !owner {
			return creds.Credential{}, false, fmt.Errorf("%w: %v", ErrNotAuthorized, ErrNotOwner)
		}
		c, err := s.repository.Retrieve(ctx, username, credname)
		if err != nil {
			return creds.Credential{}, false, err
		}
		return c, false, nil

	case protocol.CmdInfo:
		// Open at this level; ownership filters the enumeration.
		return creds.Credential{}, false, nil

	case protocol.CmdChangePassphrase:
		c, err := s.repository.Retrieve(ctx, username, credname)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return creds.Credential{}, false, ErrCredNotFound
			}
			return creds.Credential{}, false, err
		}
		if c.OwnerDN != peerDN {
			return creds.Credential{}, false, fmt.Errorf("%w: %v", ErrNotAuthorized, ErrNotOwner)
		}
		return c, false, nil
	}
	return creds.Credential{}, false, fmt.Errorf("%w: unhandled command %d", ErrNotAuthorized, cmd)
}

// trustedRetriever checks the higher-trust bypass tier, both server-wide
// and per credential.
func (s *vaultService) trustedRetriever(c *creds.Credential, peerDN string) bool {
	if s.serverPolicy.TrustedRetrievers.Matches(peerDN) {
		return true
	}
	return policy.Split(c.TrustedRetrievers).Matches(peerDN)
}

// checkRetrieval applies the retriever, renewer or key-retriever tier. A
// per-credential policy replaces the server default entirely; the
// server-wide authorized list always gates on top.
func (s *vaultService) checkRetrieval(c *creds.Credential, peerDN string, cmd protocol.Command, renewal bool) error {
	var authorized, defaults policy.List
	var perCred string

	switch {
	case renewal:
		authorized = s.serverPolicy.AuthorizedRenewers
		defaults = s.serverPolicy.DefaultRenewers
		perCred = c.Renewers
	case cmd == protocol.CmdRetrieveCert:
		authorized = s.serverPolicy.AuthorizedKeyRetrievers
		defaults = s.serverPolicy.DefaultKeyRetrievers
		perCred = c.KeyRetrievers
	default:
		authorized = s.serverPolicy.AuthorizedRetrievers
		defaults = s.serverPolicy.DefaultRetrievers
		perCred = c.Retrievers
	}

	if !authorized.Empty() && !authorized.Matches(peerDN) {
		return fmt.Errorf("%w: identity not in server-wide allow-list", ErrNotAuthorized)
	}

	effective := policy.Split(perCred)
	if effective.Empty() {
		effective = defaults
	}
	if effective.Empty() {
		return fmt.Errorf("%w: no applicable retrieval policy", ErrNotAuthorized)
	}
	if !effective.Matches(peerDN) {
		return fmt.Errorf("%w: identity not permitted by credential policy", ErrNotAuthorized)
	}
	return nil
}
