package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jqwei/truthordare/go/internal/models"
	"github.com/jqwei/truthordare/go/internal/session"
	roomsync "github.com/jqwei/truthordare/go/internal/sync"
)

// runGame drives the interactive loop: snapshot updates redraw the view,
// stdin lines become question or answer submissions depending on the
// current stage.
func runGame(ctx context.Context, s *session.Session) error {
	defer s.Close()

	updates := make(chan session.Update, 16)
	s.Updates(updates)

	lines := make(chan string)
	go readLines(ctx, lines)

	render(s, s.Snapshot())

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nleaving room")
			return nil

		case u := <-updates:
			if u.Snapshot != nil {
				render(s, *u.Snapshot)
			}
			if u.Countdown != nil && *u.Countdown > 0 {
				fmt.Printf("  next round in %d...\n", *u.Countdown)
			}

		case line := <-lines:
			if err := submit(ctx, s, line); err != nil {
				fmt.Printf("  ! %v\n", err)
			}
		}
	}
}

func readLines(ctx context.Context, out chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

// submit routes a typed line to the operation the stage allows. Input
// outside the player's turn is rejected with a hint instead of a write.
func submit(ctx context.Context, s *session.Session, line string) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}

	snap := s.Snapshot()
	switch snap.Room.Stage {
	case models.StageChoosing:
		if !s.IsAsker() {
			return errors.New("waiting for the asker to pick a question")
		}
		return s.SubmitQuestion(ctx, line)

	case models.StageAnswering:
		if !s.CanAnswer() {
			return errors.New("answer already submitted, waiting for the others")
		}
		return s.SubmitAnswer(ctx, line)

	default:
		return errors.New("the reveal is in progress, hang tight")
	}
}

func render(s *session.Session, snap roomsync.Snapshot) {
	fmt.Println()
	fmt.Printf("=== room %s ===\n", snap.Room.ID)

	for _, m := range snap.Roster {
		marker := " "
		if snap.Room.CurrentAsker != nil && m.UserID == *snap.Room.CurrentAsker {
			marker = "*"
		}
		status := ""
		if snap.Room.Stage == models.StageAnswering {
			if m.Submitted {
				status = " [answered]"
			} else {
				status = " [thinking]"
			}
		}
		you := ""
		if m.UserID == s.Identity().UserID {
			you = " (you)"
		}
		fmt.Printf(" %s %s%s%s\n", marker, m.DisplayName(), you, status)
	}

	switch snap.Room.Stage {
	case models.StageChoosing:
		if s.IsAsker() {
			fmt.Println("\nYour turn! Type a question for the group:")
		} else {
			fmt.Printf("\nWaiting for %s to pick a question...\n", askerName(snap))
		}

	case models.StageAnswering:
		if snap.Room.CurrentQuestion != nil {
			fmt.Printf("\nQ: %s\n", *snap.Room.CurrentQuestion)
		}
		if s.CanAnswer() {
			fmt.Println("Type your answer:")
		} else {
			fmt.Println("Answer in. Waiting for the rest of the group...")
		}

	case models.StageRevealing:
		if snap.Room.CurrentQuestion != nil {
			fmt.Printf("\nQ: %s\n", *snap.Room.CurrentQuestion)
		}
		fmt.Println("Answers:")
		for _, m := range snap.Roster {
			answer := "(no answer)"
			if m.AnswerText != nil {
				answer = *m.AnswerText
			}
			fmt.Printf("  %s: %s\n", m.DisplayName(), answer)
		}
	}
}

func askerName(snap roomsync.Snapshot) string {
	if snap.Room.CurrentAsker == nil {
		return "the asker"
	}
	for _, m := range snap.Roster {
		if m.UserID == *snap.Room.CurrentAsker {
			return m.DisplayName()
		}
	}
	return "the asker"
}
