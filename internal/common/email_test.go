package common_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/groupsub/internal/common"
)

func TestInMemoryEmailConcurrentSend(t *testing.T) {
	mail := &common.InMemoryEmail{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, mail.Send("member@example.com", "Subscription expired", "body"))
		}()
	}
	wg.Wait()
	require.Len(t, mail.Sent(), 20)
}

func TestLogEmailSenderOmitsBody(t *testing.T) {
	var buf bytes.Buffer
	sender := common.LogEmailSender{From: "board@example.com", Logger: zerolog.New(&buf)}
	require.NoError(t, sender.Send("member@example.com", "Subscription expired", "secret link"))

	out := buf.String()
	require.Contains(t, out, `"to":"member@example.com"`)
	require.Contains(t, out, `"body_bytes":11`)
	require.NotContains(t, out, "secret link")
}
