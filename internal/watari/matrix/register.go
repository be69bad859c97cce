package matrix

import (
	"context"
	"errors"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/synapseadmin"

	"github.com/ajisai/watari/internal/watari/fault"
)

// RegisterAgent creates the Matrix account for an agent and returns its MXID.
//
// When the account already exists the call degrades to a password login: the
// stored password either still works, in which case the existing account is
// adopted, or it does not, which surfaces as an auth fault for the caller to
// report.
func (c *Client) RegisterAgent(ctx context.Context, localpart, password, displayName string) (id.UserID, error) {
	var userID id.UserID
	var err error
	if c.cfg.SharedSecret != "" {
		userID, err = c.sharedSecretRegister(ctx, localpart, password, displayName)
	} else {
		userID, err = c.dummyRegister(ctx, localpart, password)
	}
	if err == nil {
		slog.Info("registered matrix account", "user", userID)
		return userID, nil
	}
	if fault.KindOf(err) != fault.KindConflict {
		return "", err
	}

	// Account exists from a previous run. Verify we still hold its password.
	cli, loginErr := c.sessions.login(ctx, localpart, password)
	if loginErr != nil {
		return "", fault.Newf(fault.KindAuthExpired, "matrix.register",
			"account %s exists but stored password was rejected", localpart)
	}
	slog.Info("adopted existing matrix account", "user", cli.UserID)
	return cli.UserID, nil
}

func (c *Client) sharedSecretRegister(ctx context.Context, localpart, password, displayName string) (id.UserID, error) {
	admin := &synapseadmin.Client{Client: c.admin}
	resp, err := admin.SharedSecretRegister(ctx, c.cfg.SharedSecret, synapseadmin.ReqSharedSecretRegister{
		Username:    localpart,
		Password:    password,
		Displayname: displayName,
		UserType:    "bot",
		Admin:       false,
	})
	if err != nil {
		return "", classify("matrix.register", err)
	}
	return resp.UserID, nil
}

func (c *Client) dummyRegister(ctx context.Context, localpart, password string) (id.UserID, error) {
	cli, err := mautrix.NewClient(c.cfg.Homeserver, "", "")
	if err != nil {
		return "", classify("matrix.register", err)
	}
	resp, err := cli.RegisterDummy(ctx, &mautrix.ReqRegister{
		Username:                 localpart,
		Password:                 password,
		InitialDeviceDisplayName: "watari-bridge",
		InhibitLogin:             true,
	})
	if err != nil {
		return "", classify("matrix.register", err)
	}
	return resp.UserID, nil
}

// DisplayName reads userID's profile display name through the bot session.
// A missing profile is not an error; it reads as an empty name.
func (c *Client) DisplayName(ctx context.Context, userID id.UserID) (string, error) {
	profile, err := c.bot.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, mautrix.MNotFound) {
			return "", nil
		}
		return "", classify("matrix.profile", err)
	}
	return profile.DisplayName, nil
}

// EnsureDisplayName sets the agent account's display name when it differs
// from want. Reconcile calls this on every pass, so the common case is a
// profile read and no write.
func (c *Client) EnsureDisplayName(ctx context.Context, userID id.UserID, password, want string) error {
	return c.asUser(ctx, userLocalpart(userID), password, func(cli *mautrix.Client) error {
		profile, err := cli.GetProfile(ctx, userID)
		if err != nil && !errors.Is(err, mautrix.MNotFound) {
			return classify("matrix.profile", err)
		}
		if profile != nil && profile.DisplayName == want {
			return nil
		}
		if err := cli.SetDisplayName(ctx, want); err != nil {
			return classify("matrix.displayname", err)
		}
		slog.Info("updated matrix display name", "user", userID, "name", want)
		return nil
	})
}
