package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qahhor/FREE-SERICE-DESK-sub000/chatconfig"
)

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Edit config.yaml",
	}
	cmd.AddCommand(newConfigSetServerCmd(flags))
	return cmd
}

func newConfigSetServerCmd(flags *globalFlags) *cobra.Command {
	var apiKey string
	var setDefault bool

	cmd := &cobra.Command{
		Use:   "set-server [name] --url URL",
		Short: "Save a chat server (name defaults to the URL host)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL := strings.TrimSpace(flags.url)
			if baseURL == "" {
				return errors.New("missing --url")
			}
			if err := chatconfig.ValidateBaseURL(baseURL); err != nil {
				return err
			}
			wsURL := strings.TrimSpace(flags.wsURL)
			if wsURL != "" {
				if err := chatconfig.ValidateWebSocketURL(wsURL); err != nil {
					return err
				}
			}

			name := ""
			if len(args) == 1 {
				name = strings.TrimSpace(args[0])
			}
			if name == "" {
				derived, err := chatconfig.DeriveServerNameFromURL(baseURL)
				if err != nil {
					return err
				}
				name = derived
			}

			path, err := configPath(flags)
			if err != nil {
				return err
			}
			isDefault := false
			err = chatconfig.UpdateGlobalAt(path, func(cfg *chatconfig.GlobalConfig) error {
				srv := chatconfig.Server{URL: baseURL, WSURL: wsURL, APIKey: strings.TrimSpace(apiKey)}
				if prev, ok := cfg.Servers[name]; ok {
					if srv.WSURL == "" {
						srv.WSURL = prev.WSURL
					}
					if srv.APIKey == "" {
						srv.APIKey = prev.APIKey
					}
				}
				cfg.Servers[name] = srv
				if strings.TrimSpace(cfg.DefaultServer) == "" || setDefault {
					cfg.DefaultServer = name
				}
				isDefault = cfg.DefaultServer == name
				return nil
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"server":  name,
				"url":     baseURL,
				"default": isDefault,
				"config":  path,
			})
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Widget API key for this server")
	cmd.Flags().BoolVar(&setDefault, "default", false, "Make this the default server")
	return cmd
}
