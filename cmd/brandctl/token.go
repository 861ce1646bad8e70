package main

import (
	"fmt"

	"brandpool/internal/auth"

	"github.com/spf13/cobra"
)

var (
	tokenUser  string
	tokenEmail string
	tokenRole  string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Session token helpers",
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint a signed session token using JWT_SECRET_KEY",
	Example: `  brandctl token mint --user admin-1 --role admin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		switch tokenRole {
		case auth.RoleUser, auth.RoleAdmin:
		default:
			return fmt.Errorf("unknown role %q", tokenRole)
		}
		signer := auth.NewSigner(cfg.JWTSecretKey, cfg.JWTIssuer, cfg.JWTExpiry())
		token, err := signer.Issue(tokenUser, tokenEmail, tokenRole)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenMintCmd.Flags().StringVar(&tokenUser, "user", "", "user id (required)")
	tokenMintCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	tokenMintCmd.Flags().StringVar(&tokenRole, "role", auth.RoleUser, "role: user or admin")
	_ = tokenMintCmd.MarkFlagRequired("user")
	tokenCmd.AddCommand(tokenMintCmd)
}
