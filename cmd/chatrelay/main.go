package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"chatrelay/cache"
	"chatrelay/client"
	"chatrelay/config"
	"chatrelay/crypto"
	"chatrelay/discovery"
	"chatrelay/models"
)

func main() {
	_ = godotenv.Load()

	cfg, dataDir, err := config.LoadOrCreateClient()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	if cfg.Token == "" {
		log.Fatalf("no auth token configured: set CHATRELAY_TOKEN or edit %s", config.ClientConfigPath(dataDir))
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if _, err := crypto.EnsurePrivateKey(cfg.PrivateKeyPath); err != nil {
		log.Fatalf("startup failed while preparing identity key: %v", err)
	}

	serverAddr := cfg.ServerAddr
	if serverAddr == "" {
		relays, err := discovery.Lookup(context.Background(), discovery.Config{})
		if err != nil || len(relays) == 0 {
			log.Fatalf("no relay configured and none found on the LAN: set CHATRELAY_SERVER_ADDR")
		}
		serverAddr = relays[0].Addr()
		logger.WithField("addr", serverAddr).Info("relay discovered via mDNS")
	}

	store, err := cache.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening cache: %v", err)
	}
	defer store.Close()

	c, err := client.Dial(client.Options{
		ServerAddr: serverAddr,
		Token:      cfg.Token,
		Cache:      store,
		Log:        logger,
		OnMessage: func(message cache.Message) {
			if message.IsOpaque {
				fmt.Printf("\n[%s] %s: <undecryptable message>\n> ", message.ChatID, message.SenderID)
				return
			}
			fmt.Printf("\n[%s] %s: %s\n> ", message.ChatID, message.SenderID, message.Body)
		},
	})
	if err != nil {
		log.Fatalf("startup failed while connecting: %v", err)
	}
	defer c.Close()

	fmt.Printf("connected as %s\n", c.Identity())
	fmt.Println("commands: key <peer> | send <chat> <peer> <text> | history <chat> | quit")

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		runCommand(c, store, strings.TrimSpace(scanner.Text()))
		fmt.Print("> ")
	}
}

func runCommand(c *client.Client, store *cache.Store, line string) {
	if line == "" {
		return
	}
	fields := strings.Fields(line)

	switch fields[0] {
	case "quit", "exit":
		os.Exit(0)
	case "key":
		if len(fields) != 2 {
			fmt.Println("usage: key <peer>")
			return
		}
		if err := c.Exchanger().EnsureKey(fields[1]); err != nil {
			fmt.Printf("key exchange: %v\n", err)
			return
		}
		fmt.Println("key exchange in progress or established")
	case "send":
		if len(fields) < 4 {
			fmt.Println("usage: send <chat> <peer> <text>")
			return
		}
		text := strings.Join(fields[3:], " ")
		stored, err := c.SendMessage(fields[1], fields[2], text, models.MessageTypeText)
		if err != nil {
			fmt.Printf("send: %v\n", err)
			return
		}
		fmt.Printf("sent %s\n", stored.MessageID)
	case "history":
		if len(fields) != 2 {
			fmt.Println("usage: history <chat>")
			return
		}
		messages, err := store.ChatMessages(fields[1], 50)
		if err != nil {
			fmt.Printf("history: %v\n", err)
			return
		}
		for _, message := range messages {
			body := message.Body
			if message.IsOpaque {
				body = "<undecryptable message>"
			}
			fmt.Printf("%s: %s\n", message.SenderID, body)
		}
	case "sync":
		if err := c.Sync(); err != nil {
			fmt.Printf("sync: %v\n", err)
			return
		}
		fmt.Println("backlog synchronized")
	default:
		fmt.Println("commands: key <peer> | send <chat> <peer> <text> | history <chat> | sync | quit")
	}
}
