package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tandem-backend/internal/service"
	"tandem-backend/pkg/logger"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	studentStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))
	contextStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)
	partnerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))
	pinyinStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))
	englishStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
)

var chatTopic string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to Lang in the terminal",
	Long: `Start a conversation loop in the terminal.

Type a message and press enter. A message containing "Bye!" ends the
session after Lang's answer; "exit" ends it immediately.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatTopic, "topic", "t", "", "对话话题，默认使用配置中的 default_topic")
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	// 日志和对话分开输出
	logger.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	topic := chatTopic
	if topic == "" {
		topic = cfg.Tandem.DefaultTopic
	}
	return runConversation(ctx, a.chatService, topic, cmd.InOrStdin(), cmd.OutOrStdout())
}

// runConversation 读一行、等回复、打印，直到输入包含 Bye! 或 exit
func runConversation(ctx context.Context, svc *service.ChatService, topic string, in io.Reader, out io.Writer) error {
	sess, err := svc.OpenSession(ctx, topic)
	if err != nil {
		return err
	}
	if list := sess.CharacterList(); list != "" {
		fmt.Fprintf(out, "Topic: %s\nCharacter list:\n%s\n\n", topic, list)
	}

	student := svc.StudentName()
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, studentStyle.Render("["+student+"]:")+" ")
		if !scanner.Scan() {
			break
		}
		message := strings.TrimSpace(scanner.Text())
		if message == "" {
			continue
		}
		if strings.EqualFold(message, "exit") {
			break
		}
		terminate := strings.Contains(message, "Bye!") || strings.EqualFold(message, "bye")

		_, p, err := svc.SendMessage(ctx, topic, message)
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render("Error: "+err.Error()))
			continue
		}
		reply, err := p.Wait(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// 已直接拿到结果，清掉待轮询的回复
		_, _ = svc.PollResponse(topic)
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render("Error: "+err.Error()))
			continue
		}

		if reply.Contextualized != "" {
			fmt.Fprintln(out, contextStyle.Render("["+student+" (contextualized)]: "+reply.Contextualized))
		}
		fmt.Fprintln(out, partnerStyle.Render("["+reply.Author+"]:"))
		fmt.Fprintln(out, reply.Message.Traditional)
		if reply.Message.Pinyin != "" {
			fmt.Fprintln(out, pinyinStyle.Render(reply.Message.Pinyin))
		}
		if reply.Message.English != "" {
			fmt.Fprintln(out, englishStyle.Render(reply.Message.English))
		}

		if terminate {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	fmt.Fprintln(out, "\nTandem session ended.")
	return nil
}
