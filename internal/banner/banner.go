package banner

import (
	"vuramp/internal/styles"

	"github.com/charmbracelet/lipgloss"
)

func GetString() string {
	renderer := lipgloss.DefaultRenderer()

	style := renderer.NewStyle().
		Foreground(styles.ColorBanner).
		Bold(true)

	ascii := `
 _   ____  ______  ____ _____ ___  ____ 
| | / / / / / __ \/ __ '/ __ '__ \/ __ \
| |/ / /_/ / /_/ / /_/ / / / / / / /_/ /
|___/\__,_/_/ .__/\__,_/_/ /_/ /_/ .___/ 
           /_/                  /_/      `

	return "\n" + style.Render(ascii) + "\n" + styles.Subtle.Render("  staged virtual-user load generator") + "\n"
}
