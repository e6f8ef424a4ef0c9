package chat

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Fixed corpus for synthetic audience activity. Entries are combined by
// uniform random selection; there is no adaptive behavior.
var (
	botNames = []string{
		"alex",
		"john",
		"harry",
		"henry",
		"kishan",
		"StreamMod",
		"ChatGuide",
		"StreamAssist",
		"ViewerGuide",
		"ChatHelper",
	}

	botProfilePics = []string{"X", "Y", "Z", "Y", "A", "B", "Y", "B", "Y", "T"}

	botMessages = []string{
		"Hello everyone! Welcome to the stream! 👋",
		"Amazing stream! Keep it up! 🔥",
		"This is so entertaining! 🎉",
		"Thanks for streaming! 🙏",
		"Great content as always! ⭐",
		"Love the energy here! ✨",
		"This is exactly what I needed today! 💫",
		"You're doing great! 👍",
		"Can't wait to see what's next! 🎯",
		"This stream is fire! 🔥",
		"Such a great community here! 💖",
		"This is awesome! 🌟",
		"Keep up the good work! 💪",
		"Loving the stream! ❤️",
		"This is so much fun! 🎮",
		"You make it look easy! 🏆",
		"Best stream ever! 🎉",
		"This is incredible! 🌈",
		"You're killing it! 💯",
		"Can't stop watching! 👀",
	}

	botReactions = []string{
		"👍", "❤️", "🔥", "👏", "🎉",
		"💯", "⭐", "🌟", "💫", "✨",
	}
)

// syntheticEntry builds one flagged chat entry from the corpus.
func syntheticEntry(rng *rand.Rand) Entry {
	return Entry{
		ID:          uuid.New().String(),
		Username:    botNames[rng.Intn(len(botNames))],
		Message:     botMessages[rng.Intn(len(botMessages))],
		Reaction:    botReactions[rng.Intn(len(botReactions))],
		ProfilePic:  botProfilePics[rng.Intn(len(botProfilePics))],
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		IsSynthetic: true,
	}
}
