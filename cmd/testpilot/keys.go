// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/testpilot/pkg/ux"
	"github.com/AleutianAI/testpilot/services/keys"
)

// maxKeyInput bounds a key read from stdin.
const maxKeyInput = 16 << 10

func newResetKeysCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset-keys",
		Short: "Remove stored provider and GitHub keys and enter new ones",
		Long: `Reset-keys deletes the TestPilot entries (` + strings.Join(keys.StoredNames, ", ") + `)
from the OS keyring. On a terminal it then asks for replacement values;
leave a prompt empty to skip that key. Environment variables and .env files
are not touched. Pass --yes to skip both the confirmation and the prompts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.resetKeys(yes)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation or new keys")
	return cmd
}

func newSetKeyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <name>",
		Short: "Store a provider or GitHub key in the OS keyring",
		Long: `Set-key stores one of ` + strings.Join(keys.StoredNames, ", ") + ` in the OS keyring.
On a terminal the value is read from a hidden prompt; otherwise it is read
from stdin, e.g. "printenv OPENAI_API_KEY | testpilot set-key OPENAI_API_KEY".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.setKey(strings.ToUpper(strings.TrimSpace(args[0])))
		},
	}
}

func (a *app) resetKeys(yes bool) error {
	ask := !yes && a.interactive()
	if ask {
		ok, err := a.confirm(ux.ConfirmOptions{
			Title:       "Remove stored TestPilot keys?",
			Description: "Deletes " + strings.Join(keys.StoredNames, ", ") + " from the OS keyring.",
			Affirmative: "Remove",
			Negative:    "Cancel",
			Interactive: true,
		})
		if err != nil {
			return fmt.Errorf("confirmation: %w", err)
		}
		if !ok {
			a.printer.Muted("Nothing removed.")
			return nil
		}
	}

	store, err := a.keyStore()
	if err != nil {
		if errors.Is(err, keys.ErrNoKeyring) {
			a.printer.Muted("No OS keyring available; nothing to remove.")
			return nil
		}
		return err
	}

	removed, err := store.Reset()
	if err != nil {
		return err
	}
	a.logger.Info("keys reset", slog.Int("removed", len(removed)))
	if len(removed) == 0 {
		a.printer.Muted("No stored keys found.")
	} else {
		a.printer.Success(fmt.Sprintf("Removed %d key(s)", len(removed)))
		a.printer.List(removed)
	}

	if ask {
		return a.enterKeys(store)
	}
	return nil
}

// enterKeys prompts for every stored name and saves the non-empty answers.
func (a *app) enterKeys(store *keys.Store) error {
	var saved []string
	for _, name := range keys.StoredNames {
		value, err := a.secret(ux.SecretOptions{
			Title:       name,
			Description: "Leave empty to skip.",
			Interactive: true,
		})
		if errors.Is(err, huh.ErrUserAborted) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		if value == "" {
			continue
		}
		if err := store.Save(name, value); err != nil {
			return fmt.Errorf("storing %s: %w", name, err)
		}
		saved = append(saved, name)
	}
	if len(saved) == 0 {
		a.printer.Muted("No new keys stored.")
		return nil
	}
	a.printer.Success(fmt.Sprintf("Stored %d key(s)", len(saved)))
	a.printer.List(saved)
	return nil
}

func (a *app) setKey(name string) error {
	if !keys.IsStoredName(name) {
		return fmt.Errorf("%w: unknown key %q (valid: %s)", errConfig, name, strings.Join(keys.StoredNames, ", "))
	}

	var value string
	if a.interactive() {
		v, err := a.secret(ux.SecretOptions{Title: name, Interactive: true})
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		value = v
	} else if a.stdin != nil {
		data, err := io.ReadAll(io.LimitReader(a.stdin, maxKeyInput))
		if err != nil {
			return fmt.Errorf("reading %s from stdin: %w", name, err)
		}
		value = strings.TrimSpace(string(data))
	}
	if value == "" {
		return fmt.Errorf("%w: no value for %s; pipe it on stdin or run on a terminal", errConfig, name)
	}

	store, err := a.keyStore()
	if err != nil {
		if errors.Is(err, keys.ErrNoKeyring) {
			return fmt.Errorf("%w: %v; set %s in the environment instead", errConfig, err, name)
		}
		return err
	}
	if err := store.Save(name, value); err != nil {
		return fmt.Errorf("storing %s: %w", name, err)
	}
	a.logger.Info("key stored", slog.String("name", name))
	a.printer.Success(fmt.Sprintf("Stored %s in the OS keyring", name))
	return nil
}

// keyStore opens the OS keyring as a Store.
func (a *app) keyStore() (*keys.Store, error) {
	kr, err := a.openKeyring()
	if err != nil {
		return nil, err
	}
	return keys.NewStore(keys.WithKeyring(kr), keys.WithLogger(a.logger)), nil
}
