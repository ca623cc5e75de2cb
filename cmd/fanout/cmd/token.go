package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/marketflux/fanout/internal/permission"
)

// tokenCmd mints a new token for authenticating to a fanout instance
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "fanout token generates a new token for authenticating to a fanout instance",
	Long: `Set the operating parameters with environment variables, for example

export FANOUT_TOKEN_LIFETIME=3600
export FANOUT_TOKEN_USER=u42
export FANOUT_TOKEN_READ=true
export FANOUT_TOKEN_SUBSCRIBE=true
export FANOUT_TOKEN_STATS=false
export FANOUT_TOKEN_ADMIN=false
export FANOUT_TOKEN_SECRET=somesecret
export FANOUT_TOKEN_AUDIENCE=https://fanout-access.example.io
bearer=$(fanout token)
`,

	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("FANOUT_TOKEN")
		viper.AutomaticEnv()

		viper.SetDefault("read", "true")
		viper.SetDefault("subscribe", "true")

		lifetime := viper.GetInt64("lifetime")
		audience := viper.GetString("audience")
		secret := viper.GetString("secret")
		user := viper.GetString("user")
		topic := viper.GetString("topic")
		read := viper.GetBool("read")
		subscribe := viper.GetBool("subscribe")
		stats := viper.GetBool("stats")
		admin := viper.GetBool("admin")

		// check inputs

		if lifetime == 0 {
			fmt.Println("FANOUT_TOKEN_LIFETIME not set")
			os.Exit(1)
		}
		if secret == "" {
			fmt.Println("FANOUT_TOKEN_SECRET not set")
			os.Exit(1)
		}
		if user == "" {
			fmt.Println("FANOUT_TOKEN_USER not set")
			os.Exit(1)
		}
		if audience == "" {
			fmt.Println("FANOUT_TOKEN_AUDIENCE not set")
			os.Exit(1)
		}

		var scopes []string

		if read {
			scopes = append(scopes, permission.ScopeRead)
		}

		if subscribe {
			scopes = append(scopes, permission.ScopeSubscribe)
		}

		if stats {
			scopes = append(scopes, permission.ScopeStats)
		}

		if admin {
			scopes = append(scopes, permission.ScopeAdmin)
		}

		if len(scopes) == 0 {
			fmt.Println("No scopes requested: no point in connecting.")
			os.Exit(1)
		}

		iat := time.Now().Unix() - 1 //ensure immediately usable
		nbf := iat
		exp := iat + lifetime

		claims := permission.NewToken(audience, user, topic, scopes, iat, nbf, exp)

		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		bearer, err := token.SignedString([]byte(secret))

		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		fmt.Println(bearer)
		os.Exit(0)

	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
