package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/terra-clan/ctf-conductor/internal/models"
	"github.com/terra-clan/ctf-conductor/internal/workspace"
)

// ProvisionCredentials registers the team on the platform at baseURL with a
// fresh random password. On success the credentials are stored and the
// credentials channel is overwritten with them.
func (e *Engine) ProvisionCredentials(ctx context.Context, s *models.Session, baseURL string) error {
	if !workspaceComplete(s.Workspace) {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotReady, s.Name)
	}

	password, err := e.newPassword()
	if err != nil {
		return err
	}

	result, err := e.platform.Register(ctx, baseURL, e.cfg.TeamName, password, e.cfg.TeamEmail)
	if err != nil {
		return fmt.Errorf("failed to register team: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("%w: %s", models.ErrProvisioningDenied, result.Reason)
	}

	slog.Info("team registered", "session", s.Name, "platform", baseURL)

	return e.storeCredentials(ctx, s, &models.Credentials{
		URL:      baseURL,
		Username: e.cfg.TeamName,
		Password: password,
	})
}

// SetCredentials stores operator-supplied credentials for a session
func (e *Engine) SetCredentials(ctx context.Context, id string, creds models.Credentials) (*models.Session, error) {
	s, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if s == nil {
		return nil, models.ErrSessionNotFound
	}

	if !workspaceComplete(s.Workspace) {
		if s, err = e.awaitWorkspace(ctx, s); err != nil {
			return nil, err
		}
	}

	if err := e.storeCredentials(ctx, s, &creds); err != nil {
		return nil, err
	}
	return s, nil
}

// storeCredentials posts the credentials and then persists them. A session
// without a credentials channel gets neither.
func (e *Engine) storeCredentials(ctx context.Context, s *models.Session, creds *models.Credentials) error {
	channel := s.Workspace.Channel(models.ChannelCredentials)
	if channel == "" {
		return fmt.Errorf("%w: %s has no credentials channel", ErrWorkspaceNotReady, s.Name)
	}

	content, err := renderCredentials(creds)
	if err != nil {
		return err
	}

	if _, err := e.workspace.PostOrUpdate(ctx, channel, workspace.Message{Content: content}, workspace.Overwrite); err != nil {
		return fmt.Errorf("failed to post credentials: %w", err)
	}

	if err := e.store.UpdateCredentials(ctx, s.ID, creds); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	s.Credentials = creds
	return nil
}

func renderCredentials(creds *models.Credentials) (string, error) {
	out, err := yaml.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("failed to render credentials: %w", err)
	}
	return "```yaml\n" + string(out) + "```", nil
}
