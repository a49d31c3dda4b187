/*
Copyright 2025 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package supabase_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	supabase "github.com/gravitational/supabase-go"
	"github.com/gravitational/supabase-go/auth"
	"github.com/gravitational/supabase-go/functions"
	"github.com/gravitational/supabase-go/realtime"
	"github.com/gravitational/supabase-go/storage"
)

func ExampleNew() {
	client, err := supabase.New("https://project.supabase.co", os.Getenv("SUPABASE_ANON_KEY"))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	var countries []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	if _, err := client.From("countries").Select("id,name").ExecuteTo(context.Background(), &countries); err != nil {
		log.Fatal(err)
	}
	for _, country := range countries {
		fmt.Println(country.Name)
	}
}

func ExampleNew_signIn() {
	client, err := supabase.New("https://project.supabase.co", os.Getenv("SUPABASE_ANON_KEY"))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	ctx := context.Background()
	session, err := client.Auth.SignInWithPassword(ctx, auth.PasswordCredentials{
		Email:    "user@example.com",
		Password: "correct horse battery staple",
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(session.User.Email)

	// Queries now run as the signed-in user; row level security applies.
	result, err := client.From("todos").Select("*").Eq("done", false).Execute(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(result.Data))
}

func ExampleNew_withAccessToken() {
	// A server holding its own tokens bypasses the session engine.
	// client.Auth is nil in this mode.
	client, err := supabase.New("https://project.supabase.co", os.Getenv("SUPABASE_ANON_KEY"),
		supabase.WithAccessToken(func(ctx context.Context) (string, error) {
			return os.Getenv("THIRD_PARTY_JWT"), nil
		}))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()
}

func ExampleClient_Channel() {
	client, err := supabase.New("https://project.supabase.co", os.Getenv("SUPABASE_ANON_KEY"))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()
	ctx := context.Background()

	ch := client.Channel("room-1", realtime.ChannelConfig{
		Broadcast: realtime.BroadcastConfig{Self: true},
	})
	ch.OnBroadcast("cursor", func(payload map[string]any) {
		fmt.Println("cursor:", payload)
	})
	ch.OnPostgresChange(realtime.PostgresChangeFilter{
		Event:  "INSERT",
		Schema: "public",
		Table:  "messages",
	}, func(change realtime.PostgresChange) {
		fmt.Println("new message:", change.New)
	})

	err = ch.Subscribe(ctx, func(state realtime.SubscribeState, err error) {
		if state == realtime.SubscribeStateSubscribed {
			fmt.Println("joined")
		}
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := ch.SendBroadcast(ctx, "cursor", map[string]any{"x": 10, "y": 20}); err != nil {
		log.Fatal(err)
	}
}

func ExampleClient_presence() {
	client, err := supabase.New("https://project.supabase.co", os.Getenv("SUPABASE_ANON_KEY"))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()
	ctx := context.Background()

	ch := client.Channel("lobby", realtime.ChannelConfig{
		Presence: realtime.PresenceConfig{Key: "user-1"},
	})
	ch.OnPresenceSync(func() {
		fmt.Println("online:", len(ch.PresenceState()))
	})
	if err := ch.Subscribe(ctx, nil); err != nil {
		log.Fatal(err)
	}
	if err := ch.Track(ctx, map[string]any{"status": "online"}); err != nil {
		log.Fatal(err)
	}
}

func ExampleClient_storage() {
	client, err := supabase.New("https://project.supabase.co", os.Getenv("SUPABASE_ANON_KEY"))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()
	ctx := context.Background()

	uploaded, err := client.Storage.From("avatars").Upload(ctx, "user-1.txt",
		strings.NewReader("hello"), storage.FileOptions{Upsert: true})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(uploaded.FullPath)

	fmt.Println(client.Storage.From("avatars").GetPublicURL("user-1.txt"))
}

func ExampleClient_functions() {
	client, err := supabase.New("https://project.supabase.co", os.Getenv("SUPABASE_ANON_KEY"))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	var out struct {
		Message string `json:"message"`
	}
	res, err := client.Functions.Invoke(context.Background(), "hello", functions.InvokeOptions{
		Body: map[string]any{"name": "world"},
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := res.Decode(&out); err != nil {
		log.Fatal(err)
	}
	fmt.Println(out.Message)
}
