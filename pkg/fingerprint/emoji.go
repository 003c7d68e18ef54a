package fingerprint

// 64 visually distinct emojis used for fingerprint rendering.
var emojiList = []string{
	"🔑", "🌊", "🎸", "🏔️", "🦊", "🌙", "⚡", "🎯",
	"🦋", "🌺", "🎪", "🚀", "🐉", "💎", "🌈", "🔥",
	"🎭", "🦁", "🌻", "⭐", "🎵", "🐺", "🌴", "🎲",
	"🦅", "🌸", "🎩", "💫", "🐬", "🌿", "🧩", "🔮",
	"🦜", "🌾", "🎻", "🌟", "🐙", "🍀", "🎨", "💥",
	"🦈", "🌵", "🎹", "✨", "🐝", "🌹", "🎬", "🪁",
	"🦉", "🍁", "🎺", "💠", "🐋", "🌼", "🎳", "🔷",
	"🦚", "🌱", "🎷", "💜", "🐧", "🌳", "🎶", "🔶",
}
