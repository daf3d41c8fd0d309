package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bringyour/chatconnect/connect"
)

const DefaultGraphqlUrl = "http://localhost:8080/v1/graphql"
const DefaultAuthUrl = "http://localhost:4000/v1"

const ChatCtlVersion = "0.0.1"

func main() {
	usage := fmt.Sprintf(
		`Chat control.

The default urls are:
    graphql_url: %s
    auth_url: %s
These can also be set with CHATCONNECT_GRAPHQL_URL and CHATCONNECT_AUTH_URL.

Usage:
    chatctl sign-in [--auth_url=<auth_url>] --email=<email> [--password=<password>]
    chatctl sign-up [--auth_url=<auth_url>] --email=<email> [--password=<password>]
        [--name=<name>]
    chatctl chats [options]
    chatctl messages [options] <chat_id>
    chatctl create-chat [options] <title>
    chatctl delete-chat [options] <chat_id>
    chatctl send [options] <chat_id> <message>
    chatctl watch [options] <chat_id> [--message_count=<message_count>]
        [--metrics_port=<metrics_port>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --graphql_url=<graphql_url>
    --auth_url=<auth_url>
    --email=<email>                  Sign in with this email.
    --password=<password>            Prompted if omitted.
    --jwt=<jwt>                      Use an existing access token instead of signing in.
    --name=<name>                    Display name for a new account.
    --admin_secret=<admin_secret>    Sent as x-hasura-admin-secret.
    --message_count=<message_count>  Print this many updates then exit.
    --metrics_port=<metrics_port>    Serve prometheus metrics on this port.`,
		DefaultGraphqlUrl,
		DefaultAuthUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ChatCtlVersion)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	if signIn_, _ := opts.Bool("sign-in"); signIn_ {
		err = signIn(ctx, opts)
	} else if signUp_, _ := opts.Bool("sign-up"); signUp_ {
		err = signUp(ctx, opts)
	} else if chats_, _ := opts.Bool("chats"); chats_ {
		err = chats(ctx, opts)
	} else if messages_, _ := opts.Bool("messages"); messages_ {
		err = messages(ctx, opts)
	} else if createChat_, _ := opts.Bool("create-chat"); createChat_ {
		err = createChat(ctx, opts)
	} else if deleteChat_, _ := opts.Bool("delete-chat"); deleteChat_ {
		err = deleteChat(ctx, opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		err = send(ctx, opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(ctx, opts)
	}

	glog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func signIn(ctx context.Context, opts docopt.Opts) error {
	email, _ := opts.String("--email")
	password, err := readPassword(opts)
	if err != nil {
		return err
	}

	api := connect.NewAuthApiWithContext(ctx, authUrl(opts))
	defer api.Close()

	sessions := connect.NewSessionManagerWithDefaults()
	defer sessions.Close()

	authSession, err := connect.SignInWithPassword(ctx, api, sessions, email, password)
	if err != nil {
		return err
	}
	printSession(sessions.GetSession(), authSession)
	return nil
}

func signUp(ctx context.Context, opts docopt.Opts) error {
	email, _ := opts.String("--email")
	name, _ := opts.String("--name")
	password, err := readPassword(opts)
	if err != nil {
		return err
	}

	api := connect.NewAuthApiWithContext(ctx, authUrl(opts))
	defer api.Close()

	sessions := connect.NewSessionManagerWithDefaults()
	defer sessions.Close()

	authSession, err := connect.SignUpWithPassword(ctx, api, sessions, email, password, name)
	if errors.Is(err, connect.ErrEmailVerificationRequired) {
		fmt.Printf("Account created. Verify %s, then sign in.\n", email)
		return nil
	}
	if err != nil {
		return err
	}
	printSession(sessions.GetSession(), authSession)
	return nil
}

func chats(ctx context.Context, opts docopt.Opts) error {
	client, err := newClient(ctx, opts, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	session := client.Sessions().GetSession()
	op, err := connect.NewGetChats(session.User.Id)
	if err != nil {
		return err
	}
	if _, err := client.Execute(ctx, op); err != nil {
		return err
	}

	for _, entity := range client.Store().QueryOrdered(
		connect.EntityTypeChat,
		connect.FieldEquals("user_id", session.User.Id),
		connect.CompareByField("title"),
	) {
		chat := connect.ChatFromEntity(entity)
		fmt.Printf("%s %s\n", chat.Id, chat.Title)
	}
	return nil
}

func messages(ctx context.Context, opts docopt.Opts) error {
	chatId, _ := opts.String("<chat_id>")

	client, err := newClient(ctx, opts, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	op, err := connect.NewGetMessageHistory(chatId)
	if err != nil {
		return err
	}
	if _, err := client.Execute(ctx, op); err != nil {
		return err
	}
	printMessages(client.Store(), chatId)
	return nil
}

func createChat(ctx context.Context, opts docopt.Opts) error {
	title, _ := opts.String("<title>")

	client, err := newClient(ctx, opts, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	op, err := connect.NewCreateChat(client.Sessions().GetSession().User.Id, title)
	if err != nil {
		return err
	}
	response, err := client.Execute(ctx, op)
	if err != nil {
		return err
	}
	for _, key := range response.Entities {
		fmt.Printf("%s\n", key.Id)
	}
	return nil
}

func deleteChat(ctx context.Context, opts docopt.Opts) error {
	chatId, _ := opts.String("<chat_id>")

	client, err := newClient(ctx, opts, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	op, err := connect.NewDeleteChat(chatId)
	if err != nil {
		return err
	}
	response, err := client.Execute(ctx, op)
	if err != nil {
		return err
	}
	if len(response.Entities) == 0 {
		fmt.Printf("Chat %s not found.\n", chatId)
	}
	return nil
}

func send(ctx context.Context, opts docopt.Opts) error {
	chatId, _ := opts.String("<chat_id>")
	message, _ := opts.String("<message>")

	client, err := newClient(ctx, opts, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	op, err := connect.NewInsertMessage(chatId, message)
	if err != nil {
		return err
	}
	response, err := client.Execute(ctx, op)
	if err != nil {
		return err
	}
	for _, key := range response.Entities {
		fmt.Printf("%s\n", key.Id)
	}
	return nil
}

func watch(ctx context.Context, opts docopt.Opts) error {
	chatId, _ := opts.String("<chat_id>")

	var messageCount int
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	} else {
		messageCount = -1
	}

	var metrics connect.MetricsCollector
	if metricsPort, err := opts.Int("--metrics_port"); err == nil {
		registry := prometheus.NewRegistry()
		metrics = connect.NewPrometheusCollector(registry)

		metricsServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", metricsPort),
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(os.Stderr, "metrics error: %s\n", err)
			}
		}()
		defer metricsServer.Close()
	}

	client, err := newClient(ctx, opts, metrics)
	if err != nil {
		return err
	}
	defer client.Close()

	op, err := connect.NewWatchMessages(chatId)
	if err != nil {
		return err
	}
	sub, err := client.Subscribe(op)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	for i := 0; messageCount < 0 || i < messageCount; {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			switch event.Type {
			case connect.StreamEventNext:
				if event.Err != nil {
					fmt.Fprintf(os.Stderr, "error: %s\n", event.Err)
					continue
				}
				fmt.Printf("--\n")
				printMessages(client.Store(), chatId)
				i += 1
			case connect.StreamEventInterrupted:
				fmt.Fprintf(os.Stderr, "interrupted: %s\n", event.Err)
			case connect.StreamEventResumed:
				fmt.Fprintf(os.Stderr, "resumed\n")
			case connect.StreamEventComplete:
				fmt.Fprintf(os.Stderr, "complete\n")
				return nil
			case connect.StreamEventFatal:
				return event.Err
			}
		}
	}
	return nil
}

// a client with an authenticated session, either from `--jwt` or a password sign in
func newClient(ctx context.Context, opts docopt.Opts, metrics connect.MetricsCollector) (*connect.Client, error) {
	settings := connect.DefaultClientSettings()
	settings.GraphqlUrl = graphqlUrl(opts)
	settings.AuthUrl = authUrl(opts)
	settings.Metrics = metrics
	if adminSecret, err := opts.String("--admin_secret"); err == nil {
		settings.Headers = map[string]string{
			"x-hasura-admin-secret": adminSecret,
		}
	}

	client, err := connect.NewClient(ctx, settings)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			client.Close()
		}
	}()

	if jwt, err := opts.String("--jwt"); err == nil {
		user, err := client.Auth().GetUser(ctx, jwt)
		if err != nil {
			return nil, err
		}
		sessions := client.Sessions()
		if err := sessions.SignInStarted(); err != nil {
			return nil, err
		}
		if err := sessions.SignInSucceeded(jwt, user.Identity()); err != nil {
			return nil, err
		}
	} else if email, err := opts.String("--email"); err == nil {
		password, err := readPassword(opts)
		if err != nil {
			return nil, err
		}
		if err := client.SignIn(ctx, email, password); err != nil {
			return nil, err
		}
	} else {
		return nil, errors.New("Use --jwt or --email to authenticate.")
	}

	success = true
	return client, nil
}

func graphqlUrl(opts docopt.Opts) string {
	if graphqlUrl, err := opts.String("--graphql_url"); err == nil {
		return graphqlUrl
	}
	if graphqlUrl := os.Getenv("CHATCONNECT_GRAPHQL_URL"); graphqlUrl != "" {
		return graphqlUrl
	}
	return DefaultGraphqlUrl
}

func authUrl(opts docopt.Opts) string {
	if authUrl, err := opts.String("--auth_url"); err == nil {
		return authUrl
	}
	if authUrl := os.Getenv("CHATCONNECT_AUTH_URL"); authUrl != "" {
		return authUrl
	}
	return DefaultAuthUrl
}

func readPassword(opts docopt.Opts) (string, error) {
	if password, err := opts.String("--password"); err == nil {
		return password, nil
	}
	fmt.Print("Enter password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Printf("\n")
	if err != nil {
		return "", err
	}
	return string(passwordBytes), nil
}

func printSession(session connect.Session, authSession *connect.AuthSession) {
	fmt.Printf("status: %s\n", session.Status)
	if session.User != nil {
		fmt.Printf("user_id: %s\n", session.User.Id)
	}
	fmt.Printf("access_token: %s\n", authSession.AccessToken)
	fmt.Printf("refresh_token: %s\n", authSession.RefreshToken)
}

func printMessages(store *connect.EntityStore, chatId string) {
	for _, entity := range store.QueryOrdered(
		connect.EntityTypeMessage,
		connect.FieldEquals("chat_id", chatId),
		connect.CompareByField("created_at"),
	) {
		message := connect.MessageFromEntity(entity)
		fmt.Printf("[%s] %s: %s\n", message.CreatedAt, message.Role, message.Content)
	}
}
