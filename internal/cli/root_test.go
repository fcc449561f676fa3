package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "kasir-terminal", cmd.Use)
	assert.Contains(t, cmd.Long, "local queue")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{
		"token", "pull", "push", "sync", "run", "status", "products",
		"sell", "refund", "cancel", "adjust", "sale", "requeue",
	}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"db", "server", "terminal"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestGlobalFlagDefaultsComeFromEnvironment(t *testing.T) {
	t.Setenv("TERMINAL_ID", "till-env")
	t.Setenv("TERMINAL_DB_PATH", "/var/lib/kasir/till.db")

	cmd := NewRootCommand()
	assert.Equal(t, "till-env", cmd.PersistentFlags().Lookup("terminal").DefValue)
	assert.Equal(t, "/var/lib/kasir/till.db", cmd.PersistentFlags().Lookup("db").DefValue)
}

func TestSellCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	sellCmd, _, err := cmd.Find([]string{"sell"})
	require.NoError(t, err)

	itemFlag := sellCmd.Flags().Lookup("item")
	require.NotNil(t, itemFlag)
	assert.Equal(t, "stringArray", itemFlag.Value.Type())

	paymentFlag := sellCmd.Flags().Lookup("payment")
	require.NotNil(t, paymentFlag)
	assert.Equal(t, "cash", paymentFlag.DefValue)

	require.NotNil(t, sellCmd.Flags().Lookup("cash"))
}

func TestRequeueCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	requeueCmd, _, err := cmd.Find([]string{"requeue"})
	require.NoError(t, err)

	kindFlag := requeueCmd.Flags().Lookup("kind")
	require.NotNil(t, kindFlag)
	assert.Equal(t, "sale", kindFlag.DefValue)
}

func TestSaleCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	saleCmd, _, err := cmd.Find([]string{"sale"})
	require.NoError(t, err)

	remoteFlag := saleCmd.Flags().Lookup("remote")
	require.NotNil(t, remoteFlag)
	assert.Equal(t, "false", remoteFlag.DefValue)
}
